package utils

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions and telemetry labels.
type Kind string

const (
	KindNotConfigured        Kind = "not_configured"
	KindInvalidEnum          Kind = "invalid_enum"
	KindNetwork              Kind = "network"
	KindTimeout              Kind = "timeout"
	KindRateLimited          Kind = "rate_limited"
	KindUnauthorized         Kind = "unauthorized"
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindAPI                  Kind = "api"
	KindDuplicateFingerprint Kind = "duplicate_fingerprint"
	KindInvalidTransition    Kind = "invalid_transition"
	KindActionInProgress     Kind = "action_in_progress"
	KindProviderUnavailable  Kind = "provider_unavailable"
	KindParseFailure         Kind = "parse_failure"
	KindUnsupported          Kind = "unsupported"
	KindInternal             Kind = "internal"
)

// Error wraps an operation, a classification kind, a human-facing message,
// and an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two Errors by kind, so callers can test against sentinel values.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// E constructs an Error.
func E(kind Kind, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf extracts the classification of err, or KindInternal for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the outermost classified error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the error kind is worth retrying with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindRateLimited:
		return true
	}
	return false
}
