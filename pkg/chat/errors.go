package chat

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure. Adapters map vendor status codes and
// bodies onto these kinds. The router uses them to decide whether to retry,
// fall through, or stop.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNeedsConfiguration
	KindInvalidCredential
	KindQuotaExceeded
	KindRateLimited
	KindServiceUnavailable
	KindTimeout
	KindMalformedResponse
	KindUnknownModel
	KindUnsupportedCapability
	KindAllProvidersFailed
)

var kindNames = map[ErrorKind]string{
	KindUnknown:               "unknown",
	KindNeedsConfiguration:    "needs_configuration",
	KindInvalidCredential:     "invalid_credential",
	KindQuotaExceeded:         "quota_exceeded",
	KindRateLimited:           "rate_limited",
	KindServiceUnavailable:    "service_unavailable",
	KindTimeout:               "timeout",
	KindMalformedResponse:     "malformed_response",
	KindUnknownModel:          "unknown_model",
	KindUnsupportedCapability: "unsupported_capability",
	KindAllProvidersFailed:    "all_providers_failed",
}

// String returns the snake_case name used in logs, metrics, and JSON.
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ErrorKind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("chat: unknown error kind %q", b)
}

// Retryable reports whether a single immediate retry against the same
// provider is worthwhile. Only timeouts and rate limits qualify.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindRateLimited
}

// Transient reports whether the failure says something about the health of
// the provider rather than about the request or the credential.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindServiceUnavailable:
		return true
	}
	return false
}

// UserFacing reports whether errors of this kind are meant to reach the end
// user. Every other kind is logged and then absorbed by the fallback chain.
func (k ErrorKind) UserFacing() bool {
	return k == KindNeedsConfiguration || k == KindAllProvidersFailed
}

// Error is a classified failure.
type Error struct {
	Kind ErrorKind

	// Message is a human-readable summary. For user-facing kinds it is safe
	// to show in the UI; for other kinds it may contain vendor detail.
	Message string

	// Suggestion tells the user what to do next. Only set on user-facing kinds.
	Suggestion string

	// Provider is the backend that produced the failure, if any.
	Provider ProviderID

	// Status is the HTTP status code, or 0 when no response was received.
	Status int

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Provider != "" {
		msg = string(e.Provider) + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so the sentinels below work
// with errors.Is regardless of message or provider.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrNeedsConfiguration    = &Error{Kind: KindNeedsConfiguration}
	ErrInvalidCredential     = &Error{Kind: KindInvalidCredential}
	ErrQuotaExceeded         = &Error{Kind: KindQuotaExceeded}
	ErrRateLimited           = &Error{Kind: KindRateLimited}
	ErrServiceUnavailable    = &Error{Kind: KindServiceUnavailable}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrMalformedResponse     = &Error{Kind: KindMalformedResponse}
	ErrUnknownModel          = &Error{Kind: KindUnknownModel}
	ErrUnsupportedCapability = &Error{Kind: KindUnsupportedCapability}
	ErrAllProvidersFailed    = &Error{Kind: KindAllProvidersFailed}
)

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err. Deadline errors without a
// classification are reported as timeouts.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsCanceled reports whether err stems from the caller abandoning the call.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
