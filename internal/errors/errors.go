// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors
var (
	ErrZeroBaseline     = errors.New("baseline is zero")
	ErrUserNotFound     = errors.New("user not found")
	ErrSeriesNotFound   = errors.New("series not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrQueueClosed      = errors.New("delivery queue closed")
	ErrNotConnected     = errors.New("stream not connected")
	ErrConfigInvalid    = errors.New("invalid configuration")
)

// TransportErrorKind classifies a messaging-transport failure. The delivery
// queue decides retry behaviour from the kind alone.
type TransportErrorKind int

const (
	// TransportTransient covers anything not otherwise classified; retried
	// with exponential backoff up to the attempt cap.
	TransportTransient TransportErrorKind = iota
	// TransportPermanent means the recipient is unreachable (blocked the
	// bot, deactivated). The recipient is deregistered entirely.
	TransportPermanent
	// TransportRateLimited carries a backoff hint; the whole dispatcher
	// pauses for RetryAfter.
	TransportRateLimited
	// TransportBadRequest is a malformed request; dropped, never retried.
	TransportBadRequest
)

// TransportError is a typed error from the messaging transport.
type TransportError struct {
	Kind       TransportErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	kind := "transient"
	switch e.Kind {
	case TransportPermanent:
		kind = "permanent"
	case TransportRateLimited:
		kind = "rate-limited"
	case TransportBadRequest:
		kind = "bad-request"
	}
	if e.Err != nil {
		return fmt.Sprintf("transport error [%s]: %v", kind, e.Err)
	}
	return fmt.Sprintf("transport error [%s]", kind)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a TransportError of the given kind.
func NewTransportError(kind TransportErrorKind, err error) *TransportError {
	return &TransportError{Kind: kind, Err: err}
}

// NewRateLimitedError creates a rate-limited TransportError with a backoff hint.
func NewRateLimitedError(retryAfter time.Duration, err error) *TransportError {
	return &TransportError{Kind: TransportRateLimited, RetryAfter: retryAfter, Err: err}
}

// SeriesError represents an error evaluating a single tracked series.
type SeriesError struct {
	Symbol string
	UserID int64
	Metric string
	Err    error
}

func (e *SeriesError) Error() string {
	return fmt.Sprintf("series error [%s] %s user %d: %v", e.Metric, e.Symbol, e.UserID, e.Err)
}

func (e *SeriesError) Unwrap() error {
	return e.Err
}

// NewSeriesError creates a new SeriesError.
func NewSeriesError(metric, symbol string, userID int64, err error) *SeriesError {
	return &SeriesError{Symbol: symbol, UserID: userID, Metric: metric, Err: err}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// FeedError represents a malformed or unexpected feed payload. Ingestion
// logs these and skips the single event.
type FeedError struct {
	Exchange string
	Payload  string
	Err      error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed error [%s]: %v", e.Exchange, e.Err)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// NewFeedError creates a new FeedError.
func NewFeedError(exchange, payload string, err error) *FeedError {
	return &FeedError{Exchange: exchange, Payload: payload, Err: err}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
