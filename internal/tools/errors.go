package tools

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned by tools whose backend is not set up in
// this deployment, such as data tools on a local run without a data store.
var ErrNotConfigured = errors.New("not configured in this deployment")

// ErrProtectedPath is returned when a mutation targets a path the agent
// is not allowed to change.
var ErrProtectedPath = errors.New("path is protected")

// UnknownToolError is returned when the model calls a tool that is not
// registered. It is reported back to the model as an error result so it
// can correct itself.
type UnknownToolError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// CapabilityError is a tool that ran, or tried to, and failed: invalid
// arguments, a missing file, a rejected statement. It never aborts the
// turn loop.
type CapabilityError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying failure.
func (e *CapabilityError) Unwrap() error { return e.Err }
