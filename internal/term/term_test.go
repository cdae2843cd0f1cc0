package term_test

import (
	"errors"
	"syscall"
	"testing"

	"uhyve/internal/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	if term.IsTerminal() {
		t.Fatalf("expected not to be a terminal under go test")
	}
}

func TestSetRawMode(t *testing.T) {
	t.Parallel()

	if _, err := term.SetRawMode(); err != nil && !errors.Is(err, syscall.ENOTTY) {
		t.Fatalf("SetRawMode: %v", err)
	}
}
