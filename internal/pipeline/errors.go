package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// FetchErrorKind splits fetch failures into retryable and terminal classes.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchTransient FetchErrorKind = "transient"
	FetchPermanent FetchErrorKind = "permanent"
)

// FetchError wraps a failed fetch attempt with its retry class. RetryAfter
// carries a server-provided backoff hint (429 responses), zero when absent.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a retryable fetch failure.
func NewTransientError(statusCode int, err error) *FetchError {
	return &FetchError{Kind: FetchTransient, StatusCode: statusCode, Err: err}
}

// NewPermanentError wraps err as a terminal fetch failure.
func NewPermanentError(statusCode int, err error) *FetchError {
	return &FetchError{Kind: FetchPermanent, StatusCode: statusCode, Err: err}
}

// IsTransient reports whether err is a retryable fetch error.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FetchTransient
}

// RetryAfterHint extracts a server-provided backoff hint from err, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var fe *FetchError
	if errors.As(err, &fe) && fe.RetryAfter > 0 {
		return fe.RetryAfter, true
	}
	return 0, false
}

// ParseError reports a structurally undecodable payload. It is fatal for the
// affected source's run, unlike per-field validation failures.
type ParseError struct {
	SourceKey string
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse payload from %s: %v", e.SourceKey, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Sentinel errors surfaced to callers.
var (
	// ErrInvalidTransition is returned when a review action targets an item
	// not in a state that permits it.
	ErrInvalidTransition = errors.New("invalid review transition")

	// ErrInsufficientData marks an anomaly-detector no-op on a batch too
	// small to establish a distribution. Reported, not fatal.
	ErrInsufficientData = errors.New("insufficient data for anomaly detection")

	// ErrNotFound is returned by stores for unknown entry or item IDs.
	ErrNotFound = errors.New("not found")
)
