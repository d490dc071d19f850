package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

// PushMessage is what a device receives.
type PushMessage struct {
	Title string
	Body  string
	Data  map[string]string
}

// PushResult tells the dispatcher whether an endpoint is still registered.
type PushResult int

const (
	PushOK PushResult = iota
	// PushGone means the provider no longer knows the token; the endpoint
	// should be deleted.
	PushGone
)

func (r PushResult) String() string {
	if r == PushGone {
		return "gone"
	}
	return "ok"
}

// AlertMessage is posted to operators when a job is dead-lettered.
type AlertMessage struct {
	Category  string `json:"category"`
	JobID     string `json:"jobId"`
	Error     string `json:"error"`
	ErrorKind string `json:"errorKind"`
	Attempts  int    `json:"attempts"`
	FailedAt  string `json:"failedAt"`
}

// Sinks abstract delivery to external services. Mocking these interfaces in
// tests gives full control over provider behaviour without real HTTP calls.
// Errors carry a domain.Kind: network failures, 5xx and 429 are transient,
// any other rejection is permanent.
type PushSink interface {
	Send(ctx context.Context, endpoint *domain.PushEndpoint, msg PushMessage) (PushResult, error)
}

type EmailSink interface {
	Send(ctx context.Context, address, subject, body string) error
}

type SMSSink interface {
	Send(ctx context.Context, phone, text string) error
}

type AlertSink interface {
	Post(ctx context.Context, msg AlertMessage) error
}

// statusError converts an unexpected HTTP status into a kinded error.
func statusError(op string, code int) error {
	err := fmt.Errorf("unexpected provider status: %d", code)
	if code == http.StatusTooManyRequests || code >= 500 {
		return domain.Transient(op, err)
	}
	return domain.Permanent(op, err)
}

// requestError wraps a failed round trip. Cancellation is reported as is so
// shutdown is not mistaken for a provider outage.
func requestError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.Transient(op, fmt.Errorf("send request: %w", err))
}
