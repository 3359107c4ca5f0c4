package model

import (
	"context"
	"errors"
	"fmt"
)

// CompletionClient is the external text-completion service.
type CompletionClient interface {
	GenerateCompletion(ctx context.Context, prompt string, opts CompletionOptions) (string, error)
}

// ContextWindower is implemented by backends that can report their context size.
type ContextWindower interface {
	ContextWindow(ctx context.Context, model string) (int, error)
}

// CompletionOptions are per-call options.
type CompletionOptions struct {
	Model  string
	System string
	// OnDelta receives streamed fragments as they arrive. It may be called
	// from the client's goroutine and must not block.
	OnDelta func(delta string)
}

type ErrorKind string

const (
	KindTimeout        ErrorKind = "Timeout"
	KindRateLimit      ErrorKind = "RateLimit"
	KindInvalidRequest ErrorKind = "InvalidRequest"
	KindUnknown        ErrorKind = "Unknown"
)

// CompletionError is the typed failure of a completion call.
type CompletionError struct {
	Kind      ErrorKind
	Retryable bool
	// Partial holds whatever text the backend produced before failing.
	Partial string
	Err     error
}

// NewCompletionError builds an error with the default retryability of its kind.
func NewCompletionError(kind ErrorKind, err error, partial string) *CompletionError {
	return &CompletionError{
		Kind:      kind,
		Retryable: kind == KindTimeout || kind == KindRateLimit,
		Partial:   partial,
		Err:       err,
	}
}

func (e *CompletionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// Classify turns any error returned by a client into a CompletionError.
// Deadline errors become timeouts; everything unrecognised is Unknown.
func Classify(err error) *CompletionError {
	if err == nil {
		return nil
	}
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewCompletionError(KindTimeout, err, "")
	}
	return NewCompletionError(KindUnknown, err, "")
}
