package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled marks a cooperative stop. It is reported as a cancelled job,
// never as an error.
var ErrCancelled = errors.New("export cancelled")

// ValidationError lists every problem found in a timeline or settings payload.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid export request: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// MediaLoadError is a missing or corrupt asset. The compositor recovers from
// it by skipping the layer.
type MediaLoadError struct {
	ItemID string
	Path   string
	Err    error
}

func (e *MediaLoadError) Error() string {
	return fmt.Sprintf("load media for item %s (%s): %v", e.ItemID, e.Path, e.Err)
}

func (e *MediaLoadError) Unwrap() error {
	return e.Err
}

// RenderStageError is a failure of one render strategy. The orchestrator
// advances to the next strategy.
type RenderStageError struct {
	Strategy string
	Frame    int // -1 when not frame-specific
	Err      error
}

func (e *RenderStageError) Error() string {
	if e.Frame >= 0 {
		return fmt.Sprintf("%s renderer failed at frame %d: %v", e.Strategy, e.Frame, e.Err)
	}
	return fmt.Sprintf("%s renderer failed: %v", e.Strategy, e.Err)
}

func (e *RenderStageError) Unwrap() error {
	return e.Err
}

// EncodeError is an encoder exit or broken stream. It is terminal for the job.
type EncodeError struct {
	Stage  string
	Stderr string // tail of the encoder diagnostics
	Err    error
}

func (e *EncodeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("encoder %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("encoder %s: %v (%s)", e.Stage, e.Err, e.Stderr)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether err stems from a cooperative cancellation,
// including a plain context cancellation without a cause.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
