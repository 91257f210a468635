package engine

import (
	"errors"
	"fmt"
)

// ErrCancelled reports that the cancellation flag was observed at a loop
// checkpoint. Always yields a clean cancelled terminal state.
var ErrCancelled = errors.New("engine: cancellation requested")

// ErrExecutionNotRunning is returned when an operation requires a live
// execution (e.g. cancelling one that already finished).
var ErrExecutionNotRunning = errors.New("engine: execution is not running")

// ToolExecutionError wraps a tool failure with its retry classification.
// Transient failures get exactly one retry; permanent ones are handled
// per the tool's OnError policy immediately.
type ToolExecutionError struct {
	Tool      string
	Attempts  int
	Transient bool
	Err       error
}

func (e *ToolExecutionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("engine: tool %s failed (%s, %d attempts): %v", e.Tool, kind, e.Attempts, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
