// Package terminal implements the interactive command-line front end.
//
// A Terminal reads lines from its input. Lines starting with a slash are
// commands handled locally; everything else is a turn passed to the agent.
// Approval prompts in prompt mode read from the same input, so a scripted
// session can answer them in line.
//
//	term := terminal.New(a, cfg, os.Stdin, os.Stdout).TrapSignals()
//	err := term.Run(ctx, initialPrompt)
//
// # Commands
//
//   - /model [backend/model]: show or switch the active model
//   - /tools: list the tools offered to the model
//   - /compress, /clear: manage the conversation context
//   - /usage: rate budget and context use for the active model
//   - /mode and /verbosity: tool confirmation and display
//   - /save, /help, /quit (or /exit)
//
// With TrapSignals, Ctrl-C interrupts the running turn and returns to the
// prompt. Finished tool results stay in the conversation.
//
// # Verbosity Levels
//
//   - None: tool activity is not shown
//   - Info: tool names, plus the outcome of calls that failed
//   - All: arguments and full results
package terminal
