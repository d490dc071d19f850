// Package reminder holds the category workers: one handler per reminder
// kind, each re-reading its entity, deciding whether to proceed, creating
// notifications idempotently and fanning them out as dispatch jobs.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
	"github.com/notifyhub/reminder-engine/internal/repository"
)

// Config is shared by all category handlers.
type Config struct {
	DefaultTimeZone       string
	RefillUrgentThreshold int
	// DispatchMaxAttempts is set on every dispatch job enqueued.
	DispatchMaxAttempts int
}

// Notifier implements the part of the category worker algorithm that is the
// same for every kind: per-recipient duplicate check, notification creation
// and dispatch fan-out.
type Notifier struct {
	store     repository.Store
	broker    queue.Broker
	cfg       Config
	logger    *zap.Logger
	onCreated func(domain.NotificationType)
	now       func() time.Time
}

func NewNotifier(store repository.Store, broker queue.Broker, cfg Config, logger *zap.Logger, onCreated func(domain.NotificationType)) *Notifier {
	if onCreated == nil {
		onCreated = func(domain.NotificationType) {}
	}
	if cfg.RefillUrgentThreshold == 0 {
		cfg.RefillUrgentThreshold = 5
	}
	return &Notifier{
		store:     store,
		broker:    broker,
		cfg:       cfg,
		logger:    logger,
		onCreated: onCreated,
		now:       time.Now,
	}
}

// message is one logical reminder, rendered per recipient.
type message struct {
	typ      domain.NotificationType
	key      string
	entityID string
	zone     string // entity time zone, used when the recipient has none
	priority domain.Priority
	channels []domain.ChannelKind
	data     map[string]string
	render   func(loc *time.Location) (title, body string)
}

// notify creates one notification per recipient that does not already have
// one for msg.key and enqueues its dispatch jobs. A retried job (attempt > 1)
// also re-enqueues dispatch for notifications it created on an earlier
// attempt; dispatch job ids keep that from duplicating pending deliveries.
func (n *Notifier) notify(ctx context.Context, job *queue.Job, recipients []*domain.Recipient, msg message) (domain.Outcome, error) {
	if len(recipients) == 0 {
		return domain.Skipped(domain.ReasonNoRecipients), nil
	}

	created := 0
	for _, r := range recipients {
		existing, err := n.store.FindNotification(ctx, r.UserID, msg.typ, msg.key)
		if err != nil {
			return domain.Outcome{}, fmt.Errorf("find notification for %s: %w", r.UserID, err)
		}
		if existing != nil {
			if job.Attempt > 1 {
				if err := n.enqueueDispatch(ctx, existing, r, msg); err != nil {
					return domain.Outcome{}, err
				}
			}
			n.logger.Debug("duplicate notification suppressed",
				zap.String("user_id", r.UserID),
				zap.String("idempotency_key", msg.key),
			)
			continue
		}

		loc := domain.LoadLocation(r.TimeZone, msg.zone, n.cfg.DefaultTimeZone)
		title, body := msg.render(loc)
		data := map[string]any{
			"idempotencyKey": msg.key,
			"entityId":       msg.entityID,
		}
		for k, v := range msg.data {
			data[k] = v
		}
		notif := &domain.Notification{
			ID:             uuid.NewString(),
			UserID:         r.UserID,
			Type:           msg.typ,
			Title:          title,
			Body:           body,
			IdempotencyKey: msg.key,
			Data:           data,
			CreatedAt:      n.now().UTC(),
		}

		ok, err := n.store.CreateNotification(ctx, notif)
		if err != nil {
			return domain.Outcome{}, fmt.Errorf("create notification for %s: %w", r.UserID, err)
		}
		if !ok {
			// Lost the race to a concurrent delivery of the same trigger.
			continue
		}
		n.onCreated(msg.typ)

		if err := n.enqueueDispatch(ctx, notif, r, msg); err != nil {
			return domain.Outcome{}, err
		}
		created++
	}

	if created == 0 {
		return domain.Skipped(domain.ReasonDuplicate), nil
	}
	return domain.Success(created), nil
}

func (n *Notifier) enqueueDispatch(ctx context.Context, notif *domain.Notification, r *domain.Recipient, msg message) error {
	channels := msg.channels
	if r.SMSOptIn {
		channels = append(channels[:len(channels):len(channels)], domain.ChannelSMS)
	}

	for _, ch := range channels {
		p := domain.DispatchPayload{
			NotificationID: notif.ID,
			UserID:         r.UserID,
			Channel:        ch,
			Type:           notif.Type,
			Title:          notif.Title,
			Body:           notif.Body,
			IdempotencyKey: msg.key,
			Data:           msg.data,
		}
		raw, err := domain.EncodePayload(p)
		if err != nil {
			return err
		}
		jobID := domain.DispatchJobID(msg.key, r.UserID, ch)
		if _, err := n.broker.Enqueue(ctx, domain.CategoryDispatch, jobID, raw, queue.EnqueueOptions{
			MaxAttempts: n.cfg.DispatchMaxAttempts,
			Priority:    msg.priority,
		}); err != nil {
			return fmt.Errorf("enqueue %s: %w", jobID, err)
		}
	}
	return nil
}

// lookup maps a missing entity to a skip and passes every other store
// error through with its kind.
func lookup[T any](ctx context.Context, get func(context.Context, string) (T, error), id string) (T, bool, error) {
	v, err := get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, fmt.Errorf("load %s: %w", id, err)
	}
	return v, true, nil
}

func decode[T domain.Payload](job *queue.Job) (T, error) {
	p, err := domain.DecodePayload(job.Category, job.Payload)
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := p.(T)
	if !ok {
		var zero T
		return zero, domain.Invalid("decode "+string(job.Category),
			fmt.Errorf("%w: payload is %T", domain.ErrInvalidPayload, p))
	}
	return typed, nil
}

func offsetData(offset int) map[string]string {
	return map[string]string{"offsetMinutes": strconv.Itoa(offset)}
}

// leadTime renders an offset as the phrase used in reminder bodies.
func leadTime(offset int) string {
	switch {
	case offset <= 0:
		return "now"
	case offset%1440 == 0:
		days := offset / 1440
		if days == 1 {
			return "in 1 day"
		}
		return fmt.Sprintf("in %d days", days)
	case offset%60 == 0:
		hours := offset / 60
		if hours == 1 {
			return "in 1 hour"
		}
		return fmt.Sprintf("in %d hours", hours)
	}
	return fmt.Sprintf("in %d minutes", offset)
}

const clockLayout = "3:04 PM"
