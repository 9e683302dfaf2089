// Package transcript owns the live conversation and keeps it inside the
// active model's context window.
package transcript

import (
	"sync"

	"github.com/m4xw311/iabuilder/session"
)

// Transcript is the append-only message sequence for a session together
// with its running token estimate. Only Append and the Manager's
// compression change it.
type Transcript struct {
	mu       sync.RWMutex
	messages []session.Message
	tokens   int
}

// New creates a transcript holding messages.
func New(messages ...session.Message) *Transcript {
	t := &Transcript{}
	t.reset(messages)
	return t
}

// Append adds messages to the end of the transcript.
func (t *Transcript) Append(messages ...session.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range messages {
		t.messages = append(t.messages, m)
		t.tokens += EstimateMessage(m)
	}
}

// Messages returns a copy of the current sequence.
func (t *Transcript) Messages() []session.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]session.Message(nil), t.messages...)
}

// Tokens returns the running token estimate.
func (t *Transcript) Tokens() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tokens
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Last returns the final message, if any.
func (t *Transcript) Last() (session.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.messages) == 0 {
		return session.Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Clear drops everything except leading system prompt messages.
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	preamble, _ := splitPreamble(t.messages)
	t.reset(preamble)
}

// reset replaces the contents. Callers hold the write lock or own t
// exclusively.
func (t *Transcript) reset(messages []session.Message) {
	t.messages = append([]session.Message(nil), messages...)
	t.tokens = Estimate(t.messages)
}

// splitPreamble separates the leading system prompt messages from the rest.
// Compression records are never part of the preamble.
func splitPreamble(messages []session.Message) (preamble, body []session.Message) {
	i := 0
	for i < len(messages) && messages[i].Role == session.RoleSystem && !messages[i].IsCompressionRecord() {
		i++
	}
	return messages[:i], messages[i:]
}
