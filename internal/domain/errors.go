package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors used throughout the engine.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrUnknownCategory = errors.New("invalid category")
	ErrUnknownChannel  = errors.New("invalid channel")
	ErrBrokerClosed    = errors.New("queue broker closed")
)

// Kind tells the worker pool what to do with a failed job.
type Kind int

const (
	// KindTransient failures are retried with backoff up to the attempt ceiling.
	KindTransient Kind = iota
	// KindPermanent failures reference something that is gone or terminal.
	KindPermanent
	// KindValidation failures are malformed input and can never succeed.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindValidation:
		return "validation"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool { return k == KindTransient }

// Error carries an explicit Kind set where the failure happened, so callers
// never have to guess from the message text.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error { return wrap(KindTransient, op, err) }

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) error { return wrap(KindPermanent, op, err) }

// Invalid wraps err as a validation failure.
func Invalid(op string, err error) error { return wrap(KindValidation, op, err) }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify decides how a failed job is treated. Typed errors win; untyped
// errors fall back to message inspection, and anything unrecognised is
// treated as transient so work is not silently lost.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}

	switch {
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, ErrUnknownCategory), errors.Is(err, ErrUnknownChannel):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindPermanent
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "invalid", "validation"):
		return KindValidation
	case containsAny(msg, "connection", "timeout", "refused", "rate limit"):
		return KindTransient
	case strings.Contains(msg, "not found"):
		return KindPermanent
	}
	return KindTransient
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
