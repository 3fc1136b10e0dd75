package whatsapp

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the uniform outbound error taxonomy across providers.
type ErrorKind string

const (
	ErrNotConfigured        ErrorKind = "not_configured"
	ErrAuthExpired          ErrorKind = "auth_expired"
	ErrChannelNotFound      ErrorKind = "channel_not_found"
	ErrTemplateRejected     ErrorKind = "template_rejected"
	ErrOutsideSessionWindow ErrorKind = "outside_session_window"
	ErrThrottled            ErrorKind = "throttled"
	ErrTransientNetwork     ErrorKind = "transient_network"
	ErrPermanentUnknown     ErrorKind = "permanent_unknown"
)

// SendError is a classified outbound failure. Provider-specific details stay
// wrapped; callers branch on Kind only.
type SendError struct {
	Kind       ErrorKind
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("whatsapp: %s send failed (%s): %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("whatsapp: %s send failed (%s)", e.Provider, e.Kind)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewSendError builds a classified error.
func NewSendError(kind ErrorKind, provider string, err error) *SendError {
	return &SendError{Kind: kind, Provider: provider, Err: err}
}

// KindOf extracts the taxonomy kind, defaulting to PermanentUnknown for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrPermanentUnknown
}

// Retryable reports whether the caller may retry later. AuthExpired is
// actionable, never blindly retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrThrottled, ErrTransientNetwork:
		return true
	}
	return false
}
