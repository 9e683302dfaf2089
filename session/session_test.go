package session

import (
	"reflect"
	"testing"
	"time"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "demo")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Identity = ModelIdentity{
		Backend:      "groq",
		Model:        "llama-3.3-70b-versatile",
		Budget:       BudgetProfile{Requests: 20, Tokens: 8000, Window: time.Minute},
		ContextLimit: 32000,
	}
	call := ToolCall{ID: "call_1", Name: "read_file", Args: map[string]interface{}{"path": "config.yaml"}}
	s.Messages = []Message{
		System("you are helpful"),
		User("read config.yaml"),
		Assistant("", call),
		ToolResult(call, "key: value", false),
		{Role: RoleSystem, Content: "summary", Digest: &Digest{Compressed: 4, FilesTouched: []string{"a.go"}}},
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir, "demo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Identity != s.Identity {
		t.Errorf("identity mismatch: %+v vs %+v", loaded.Identity, s.Identity)
	}
	if !reflect.DeepEqual(loaded.Messages, s.Messages) {
		t.Errorf("messages mismatch:\n got %+v\nwant %+v", loaded.Messages, s.Messages)
	}
	if !loaded.Messages[4].IsCompressionRecord() {
		t.Error("digest should survive persistence")
	}

	names, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"demo"}) {
		t.Errorf("List = %v", names)
	}
}

func TestInvalidSessionName(t *testing.T) {
	if _, err := New(t.TempDir(), "../escape"); err == nil {
		t.Error("expected error for path-like session name")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir(), "nope"); err == nil {
		t.Error("expected error loading missing session")
	}
}
