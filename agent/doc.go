// Package agent runs the conversation: one user turn at a time, it gates
// the message, keeps the transcript inside the model's context window,
// waits for rate budget, calls the backend and dispatches the tool calls
// the model proposes until it answers in prose.
//
// # Turn state machine
//
//	AwaitingUserInput -> Gating -> Idle (empty input)
//	                            -> BuildingRequest -> Admitting -> Calling
//	Calling -> ToolsPending -> Dispatching -> BuildingRequest
//	Calling -> Finalizing
//
// The tool catalog is attached only when the intent gate classifies the
// message as actionable. A turn ends early, with a notice, once it has
// used the configured number of tool rounds.
//
// # Failures
//
// Transient backend failures are retried with backoff. Unparseable tool
// calls are answered with a corrective tool result so the model can try
// again. Authentication and other permanent failures, and an exhausted
// context window, end the turn with a *TurnError. Cancelling the turn's
// context returns ErrInterrupted; tools still running are recorded as
// cancelled.
//
// # Callbacks
//
// ProcessCallbacks lets a front end render progress and, in prompt mode,
// confirm each tool call. The terminal subpackage is the only front end.
package agent
