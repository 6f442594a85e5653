// Package callerr defines the failure taxonomy propagated from the core to
// the tool surface, per the error-handling design in spec.md §7.
package callerr

import "fmt"

// Kind tags a CallError with one of the taxonomy entries from spec.md §7.
type Kind string

const (
	MissingConfiguration Kind = "MissingConfiguration"
	ProviderError        Kind = "ProviderError"
	NetworkError         Kind = "NetworkError"
	CallNotFound         Kind = "CallNotFound"
	CallTimeout          Kind = "CallTimeout"
	CallHungUp           Kind = "CallHungUp"
	TranscriptionError   Kind = "TranscriptionError"
	SynthesisError       Kind = "SynthesisError"
	WebhookSignatureBad  Kind = "WebhookSignatureInvalid"
	AuthenticationFailed Kind = "AuthenticationFailed"
)

// CallError is the error type every core operation returns on failure. The
// tool surface (C9) renders it as a single-line "Error: <kind>: <detail>".
type CallError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *CallError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *CallError) Unwrap() error { return e.Err }

// New constructs a CallError of the given kind with a formatted detail.
func New(kind Kind, format string, args ...interface{}) *CallError {
	return &CallError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap constructs a CallError of the given kind, preserving the underlying
// error for %w-style unwrapping while still rendering a single-line message.
func Wrap(kind Kind, err error) *CallError {
	if err == nil {
		return nil
	}
	return &CallError{Kind: kind, Detail: err.Error(), Err: err}
}

// As reports whether err is (or wraps) a *CallError and returns it.
func As(err error) (*CallError, bool) {
	ce, ok := err.(*CallError)
	if ok {
		return ce, true
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return As(u.Unwrap())
	}
	return nil, false
}
