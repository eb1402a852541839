package tools

import (
	"errors"
	"fmt"
	"testing"

	"github.com/meitheal/steward/internal/content"
)

func TestUnknownToolError_Error(t *testing.T) {
	err := &UnknownToolError{Name: "drop_database"}
	if got, want := err.Error(), "unknown tool: drop_database"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCapabilityError_Unwrap(t *testing.T) {
	orig := &CapabilityError{Tool: "read_file", Err: fmt.Errorf("get nav.html: %w", content.ErrNotFound)}
	wrapped := fmt.Errorf("tool execution: %w", orig)

	var target *CapabilityError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *CapabilityError")
	}
	if target.Tool != "read_file" {
		t.Errorf("Tool = %q, want read_file", target.Tool)
	}
	if !errors.Is(wrapped, content.ErrNotFound) {
		t.Error("errors.Is should see content.ErrNotFound through CapabilityError")
	}
}
