package entities

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	ErrConfig    ErrorKind = "config"
	ErrAdapter   ErrorKind = "adapter"
	ErrRequester ErrorKind = "requester"
	ErrTool      ErrorKind = "tool"
	ErrCommand   ErrorKind = "command"
	ErrPlugin    ErrorKind = "plugin"
	ErrSession   ErrorKind = "session"
	ErrInternal  ErrorKind = "internal"
)

// PipelineError is the uniform error shape carried through the
// pipeline. Classification is typed only; no string matching.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// NewError builds a PipelineError.
func NewError(kind ErrorKind, message string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind of an error, defaulting to ErrInternal.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrInternal
}

// ErrShuttingDown is returned by the query pool after shutdown began.
var ErrShuttingDown = errors.New("query pool is shutting down")
