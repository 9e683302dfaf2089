package intent

import "testing"

func TestPhraseGate(t *testing.T) {
	g := NewPhraseGate()
	tests := []struct {
		message string
		prior   Prior
		want    Intent
	}{
		{"hola", Prior{}, Conversational},
		{"  Hola!! ", Prior{}, Conversational},
		{"¿Qué tal?", Prior{}, Conversational},
		{"Buenos   días", Prior{}, Conversational},
		{"thanks", Prior{}, Conversational},
		{"ok", Prior{LastAssistant: "Done, the file is saved."}, Conversational},
		{"ok", Prior{LastAssistant: "Should I also update the tests?"}, Actionable},
		{"sí", Prior{LastAssistant: "¿Quieres que lo borre?"}, Actionable},
		{"read config.yaml", Prior{}, Actionable},
		{"hola, read config.yaml", Prior{}, Actionable},
		{"what is in main.go", Prior{}, Actionable},
		{"", Prior{}, Conversational},
	}
	for _, tt := range tests {
		if got := g.Classify(tt.message, tt.prior); got != tt.want {
			t.Errorf("Classify(%q, %q) = %v, want %v", tt.message, tt.prior.LastAssistant, got, tt.want)
		}
	}
}

func TestPhraseGateExtra(t *testing.T) {
	g := NewPhraseGate("Saludos")
	if g.Classify("saludos", Prior{}) != Conversational {
		t.Error("extra phrase not honored")
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"  ¡Hola!  ":       "hola",
		"Buenas\tNOCHES.":  "buenas noches",
		"qué   tal?":       "que tal",
		"read config.yaml": "read config.yaml",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAlways(t *testing.T) {
	if Always(Actionable).Classify("hola", Prior{}) != Actionable {
		t.Error("Always should ignore the message")
	}
}
