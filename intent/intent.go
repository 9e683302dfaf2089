// Package intent decides whether a user message needs the tool catalog.
package intent

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Intent is the gate's verdict on a user message.
type Intent int

const (
	// Actionable messages get the tool catalog attached.
	Actionable Intent = iota
	// Conversational messages are answered in prose without tools.
	Conversational
)

func (i Intent) String() string {
	if i == Conversational {
		return "conversational"
	}
	return "actionable"
}

// Prior is what the gate may know about the conversation so far.
type Prior struct {
	// LastAssistant is the previous assistant reply, empty at the start.
	LastAssistant string
}

// Classifier maps a user message to an Intent. Implementations must be
// local and fast; they run before every turn.
type Classifier interface {
	Classify(message string, prior Prior) Intent
}

// Always returns a Classifier that ignores the message.
func Always(i Intent) Classifier { return fixed(i) }

type fixed Intent

func (f fixed) Classify(string, Prior) Intent { return Intent(f) }

var smallTalk = []string{
	// greetings
	"hola", "hello", "hi", "hey", "ey", "buenas", "buenos dias", "buen dia",
	"buenas tardes", "buenas noches", "good morning", "good afternoon", "good evening",
	"que tal", "como estas", "como andas", "como va", "how are you", "whats up", "what's up", "sup",
	// farewells
	"adios", "bye", "goodbye", "chau", "chao", "nos vemos", "hasta luego", "see you",
	// thanks
	"gracias", "muchas gracias", "thanks", "thank you", "thx", "ty",
}

// acknowledgments are conversational unless they answer a question, in
// which case they usually confirm that an action should go ahead.
var acknowledgments = []string{
	"ok", "okay", "okey", "vale", "claro", "dale", "perfecto", "genial", "entiendo",
	"de acuerdo", "por supuesto", "bien", "si", "yes", "yep", "sure", "no", "nope", "cool", "great",
}

// PhraseGate classifies by exact match against small fixed phrase sets.
// Anything it does not recognize is Actionable.
type PhraseGate struct {
	smallTalk       map[string]bool
	acknowledgments map[string]bool
}

// NewPhraseGate builds the gate. extra adds phrases that are always
// conversational.
func NewPhraseGate(extra ...string) *PhraseGate {
	g := &PhraseGate{smallTalk: map[string]bool{}, acknowledgments: map[string]bool{}}
	for _, p := range append(append([]string(nil), smallTalk...), extra...) {
		g.smallTalk[Normalize(p)] = true
	}
	for _, p := range acknowledgments {
		g.acknowledgments[Normalize(p)] = true
	}
	return g
}

func (g *PhraseGate) Classify(message string, prior Prior) Intent {
	m := Normalize(message)
	switch {
	case m == "":
		return Conversational
	case g.smallTalk[m]:
		return Conversational
	case g.acknowledgments[m]:
		if asksQuestion(prior.LastAssistant) {
			return Actionable
		}
		return Conversational
	}
	return Actionable
}

func asksQuestion(text string) bool {
	return strings.HasSuffix(strings.TrimSpace(text), "?")
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize lowercases, removes accents, collapses whitespace and trims
// punctuation from both ends.
func Normalize(s string) string {
	if folded, _, err := transform.String(stripMarks, s); err == nil {
		s = folded
	}
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
}
