package aichat

import (
	"fmt"

	"github.com/user/vizchat/internal/generation"
	"github.com/user/vizchat/internal/validate"
)

// ErrCancelled is wrapped by errors from generations a user stopped.
var ErrCancelled = generation.ErrCancelled

// ErrBusy is returned when the chat already has a generation in flight.
var ErrBusy = generation.ErrGenerationActive

// ValidationError reports a request that never reached the provider.
type ValidationError struct {
	Rejection *validate.Rejection
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Rejection.Error
}

// ProviderError reports a failed model call.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DocumentOperationError reports a failed mutation of the shared document.
type DocumentOperationError struct {
	Op  string
	Err error
}

func (e *DocumentOperationError) Error() string {
	return fmt.Sprintf("document operation %s: %v", e.Op, e.Err)
}

func (e *DocumentOperationError) Unwrap() error { return e.Err }

func docErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DocumentOperationError{Op: op, Err: err}
}
