package llm

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies a provider failure into the two buckets the
// Broker's callers act on: a client error never worth replanning for, and a
// server/timeout error that counts as a planning failure.
type ProviderErrorKind string

const (
	// ProviderClientError is a 4xx from the provider: the request itself is
	// invalid. Fatal for the current tick; does not consume a replan.
	ProviderClientError ProviderErrorKind = "provider_client_error"

	// ProviderServerError is a 5xx or timeout from the provider: retryable,
	// and classified as a planning failure. The classifier Runtime does not
	// replan on it; a failed call stops the run.
	ProviderServerError ProviderErrorKind = "provider_server_error"
)

// ProviderError describes a failure returned by an LLM provider. It crosses
// the Broker boundary wrapped in a Result, never thrown past the Runtime.
type ProviderError struct {
	Provider  string
	Operation string
	HTTPStatus int
	Kind      ProviderErrorKind
	Message   string
	cause     error
}

// NewProviderError constructs a ProviderError. provider and kind are required.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, message string, cause error) *ProviderError {
	if provider == "" {
		panic("llm: provider is required")
	}
	if kind == "" {
		panic("llm: provider error kind is required")
	}
	return &ProviderError{
		Provider:   provider,
		Operation:  operation,
		HTTPStatus: httpStatus,
		Kind:       kind,
		Message:    message,
		cause:      cause,
	}
}

// Retryable reports whether retrying the call (via a replan) may succeed.
func (e *ProviderError) Retryable() bool { return e.Kind == ProviderServerError }

func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	msg := e.Message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s (%s, http=%d): %s", e.Provider, e.Kind, op, e.HTTPStatus, msg)
}

// Unwrap returns the underlying error to preserve the original error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// ClassifyHTTPStatus maps an HTTP status code (or 0 for a timeout) to a
// ProviderErrorKind per the Broker's classification contract: 4xx is a
// client error, 5xx or timeout (0) is a server error.
func ClassifyHTTPStatus(status int) ProviderErrorKind {
	if status >= 400 && status < 500 {
		return ProviderClientError
	}
	return ProviderServerError
}
