package transcript

import (
	"fmt"
	"log/slog"

	"github.com/m4xw311/iabuilder/errors"
	"github.com/m4xw311/iabuilder/session"
)

// ErrContextExhausted is returned when the system prompt plus the smallest
// retainable tail already exceeds the model's context limit.
var ErrContextExhausted = errors.Sentinel("context exhausted")

// ExhaustedError carries the numbers behind ErrContextExhausted.
type ExhaustedError struct {
	Model     string
	Estimated int
	Limit     int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("context exhausted for %s: %d estimated tokens exceed the %d token limit", e.Model, e.Estimated, e.Limit)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrContextExhausted }

// Options tune compression.
type Options struct {
	// HighWater is the fraction of the context limit that triggers
	// compression, and the level compression aims to get under.
	HighWater float64
	// RetainMessages is how many recent messages survive verbatim.
	RetainMessages int
	Logger         *slog.Logger
}

// Manager decides when the transcript must shrink and performs the
// compression.
type Manager struct {
	highWater float64
	retain    int
	logger    *slog.Logger
}

// Result describes one compression attempt.
type Result struct {
	Compressed bool
	Before     int
	After      int
	// Folded is the number of messages replaced by the record.
	Folded int
}

func NewManager(opts Options) *Manager {
	if opts.HighWater <= 0 || opts.HighWater >= 1 {
		opts.HighWater = 0.85
	}
	if opts.RetainMessages <= 0 {
		opts.RetainMessages = 6
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{highWater: opts.HighWater, retain: opts.RetainMessages, logger: opts.Logger}
}

// EstimateTokens returns the transcript's token estimate.
func (m *Manager) EstimateTokens(t *Transcript) int { return t.Tokens() }

// Threshold is the token count above which id's transcripts are compressed.
func (m *Manager) Threshold(id session.ModelIdentity) int {
	return int(float64(id.ContextLimit) * m.highWater)
}

// EnsureFits compresses t when its estimate, plus reserve tokens the caller
// will add to the request (such as the tool catalog), is above the high-water
// mark for id. The transcript is either fully replaced or left untouched.
func (m *Manager) EnsureFits(t *Transcript, id session.ModelIdentity, reserve int) (Result, error) {
	if id.ContextLimit <= 0 {
		return Result{Before: t.Tokens(), After: t.Tokens()}, nil
	}
	if t.Tokens()+reserve <= m.Threshold(id) {
		return Result{Before: t.Tokens(), After: t.Tokens()}, nil
	}
	return m.compress(t, id, reserve)
}

// Compress shrinks t regardless of the high-water mark.
func (m *Manager) Compress(t *Transcript, id session.ModelIdentity) (Result, error) {
	return m.compress(t, id, 0)
}

func (m *Manager) compress(t *Transcript, id session.ModelIdentity, reserve int) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.tokens
	res := Result{Before: before, After: before}
	target := m.Threshold(id) - reserve
	preamble, body := splitPreamble(t.messages)

	var best []session.Message
	bestTokens, bestFolded := before, 0
	for keep := m.retain; keep >= 1; keep-- {
		start := tailStart(body, keep)
		if foldable(body[:start]) {
			candidate := make([]session.Message, 0, len(preamble)+1+len(body)-start)
			candidate = append(candidate, preamble...)
			candidate = append(candidate, record(fold(body[:start])))
			candidate = append(candidate, body[start:]...)
			if tokens := Estimate(candidate); tokens < bestTokens {
				best, bestTokens, bestFolded = candidate, tokens, start
			}
		}
		// Keep fewer messages only while still above the mark.
		if id.ContextLimit <= 0 || bestTokens <= target {
			break
		}
	}

	limit := id.ContextLimit - reserve
	if best == nil {
		if id.ContextLimit > 0 && before > limit {
			return res, m.exhausted(id, before+reserve)
		}
		return res, nil
	}
	if id.ContextLimit > 0 && bestTokens > limit {
		return res, m.exhausted(id, bestTokens+reserve)
	}

	t.messages = best
	t.tokens = bestTokens
	res = Result{Compressed: true, Before: before, After: bestTokens, Folded: bestFolded}
	if id.ContextLimit > 0 && bestTokens > target {
		m.logger.Warn("transcript still above high-water mark after compression",
			"model", id.Key(), "tokens", bestTokens, "threshold", target)
	}
	m.logger.Info("compressed transcript",
		"model", id.Key(), "before", before, "after", bestTokens, "folded", bestFolded)
	return res, nil
}

func (m *Manager) exhausted(id session.ModelIdentity, estimated int) error {
	m.logger.Warn("context exhausted", "model", id.Key(), "estimated", estimated, "limit", id.ContextLimit)
	return &ExhaustedError{Model: id.Key(), Estimated: estimated, Limit: id.ContextLimit}
}

// tailStart returns where a tail of about keep messages begins. The tail
// never opens on a tool-result: it is extended back to the assistant
// message whose calls those results answer.
func tailStart(body []session.Message, keep int) int {
	start := len(body) - keep
	if start <= 0 {
		return 0
	}
	for start > 0 && body[start].Role == session.RoleToolResult {
		start--
	}
	return start
}

// foldable reports whether prefix holds anything beyond earlier
// compression records. Refolding a lone record would change nothing.
func foldable(prefix []session.Message) bool {
	for _, m := range prefix {
		if !m.IsCompressionRecord() {
			return true
		}
	}
	return false
}
