package errors

import (
	"strings"
	"testing"
)

func TestNewIncludesLocation(t *testing.T) {
	err := New("bad %s", "thing")
	if !strings.Contains(err.Error(), "errors_test.go:") {
		t.Errorf("expected file location in %q", err.Error())
	}
	if !strings.HasSuffix(err.Error(), "bad thing") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "ignored") != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
	base := Sentinel("base")
	wrapped := Wrapf(base, "loading %d", 3)
	if !Is(wrapped, base) {
		t.Error("wrapped error should match its cause")
	}
	if !strings.Contains(wrapped.Error(), "loading 3: base") {
		t.Errorf("unexpected message %q", wrapped.Error())
	}
}
