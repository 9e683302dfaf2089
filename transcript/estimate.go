package transcript

import (
	"encoding/json"

	"github.com/m4xw311/iabuilder/session"
)

const (
	// bytesPerToken sits below the four characters per token typical of
	// English prose, so code, JSON and non-Latin text are not undercounted.
	bytesPerToken = 3
	// messageOverhead covers role markers and framing the backend adds.
	messageOverhead = 20
	// callOverhead covers the envelope around each tool call.
	callOverhead = 50
)

// EstimateText returns the token estimate for a piece of text.
func EstimateText(s string) int {
	return (len(s) + bytesPerToken - 1) / bytesPerToken
}

// EstimateMessage returns the token estimate for one message.
func EstimateMessage(m session.Message) int {
	n := len(m.Content) + len(m.ToolCallID) + len(m.ToolName) + messageOverhead
	for _, c := range m.ToolCalls {
		n += len(c.ID) + len(c.Name) + callOverhead
		if b, err := json.Marshal(c.Args); err == nil {
			n += len(b)
		}
	}
	return (n + bytesPerToken - 1) / bytesPerToken
}

// Estimate returns the token estimate for a message sequence. It never
// decreases as messages are appended.
func Estimate(messages []session.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessage(m)
	}
	return total
}
