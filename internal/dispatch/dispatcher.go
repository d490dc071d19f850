package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/provider"
	"github.com/notifyhub/reminder-engine/internal/queue"
	"github.com/notifyhub/reminder-engine/internal/ratelimiter"
	"github.com/notifyhub/reminder-engine/internal/repository"
)

// Sinks are the configured delivery transports. A nil sink means the
// channel is not configured and its jobs are skipped.
type Sinks struct {
	Push  provider.PushSink
	Email provider.EmailSink
	SMS   provider.SMSSink
}

// Dispatcher delivers one persisted notification over one channel.
type Dispatcher struct {
	store      repository.Store
	sinks      Sinks
	limiters   *ratelimiter.ChannelLimiters
	logger     *zap.Logger
	onDelivery func(domain.ChannelKind, string)
}

func New(store repository.Store, sinks Sinks, limiters *ratelimiter.ChannelLimiters, logger *zap.Logger, onDelivery func(domain.ChannelKind, string)) *Dispatcher {
	if limiters == nil {
		limiters = ratelimiter.New(0)
	}
	if onDelivery == nil {
		onDelivery = func(domain.ChannelKind, string) {}
	}
	return &Dispatcher{
		store:      store,
		sinks:      sinks,
		limiters:   limiters,
		logger:     logger,
		onDelivery: onDelivery,
	}
}

// Handle implements worker.Handler for the dispatch category.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) (domain.Outcome, error) {
	raw, err := domain.DecodePayload(domain.CategoryDispatch, job.Payload)
	if err != nil {
		return domain.Outcome{}, err
	}
	p := raw.(domain.DispatchPayload)

	log := d.logger.With(
		zap.String("notification_id", p.NotificationID),
		zap.String("user_id", p.UserID),
		zap.String("channel", string(p.Channel)),
	)

	switch p.Channel {
	case domain.ChannelPush:
		return d.push(ctx, log, p)
	case domain.ChannelEmail:
		return d.email(ctx, p)
	case domain.ChannelSMS:
		return d.sms(ctx, p)
	case domain.ChannelInApp:
		// The notification row is the in-app delivery.
		return domain.Outcome{Status: domain.OutcomeSuccess, Reason: domain.ReasonInApp}, nil
	}
	return domain.Outcome{}, domain.Invalid("dispatch", fmt.Errorf("%w: %q", domain.ErrUnknownChannel, p.Channel))
}

// push sends to every registered endpoint of the user. Endpoints reported
// gone are deleted regardless of how the others fare. The job fails only
// when every endpoint errored.
func (d *Dispatcher) push(ctx context.Context, log *zap.Logger, p domain.DispatchPayload) (domain.Outcome, error) {
	if d.sinks.Push == nil {
		d.onDelivery(domain.ChannelPush, "skipped")
		return domain.Skipped(domain.ReasonSinkDisabled), nil
	}

	endpoints, err := d.store.ListPushEndpoints(ctx, p.UserID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("list push endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		d.onDelivery(domain.ChannelPush, "skipped")
		return domain.Skipped(domain.ReasonNoEndpoints), nil
	}

	msg := provider.PushMessage{Title: p.Title, Body: p.Body, Data: pushData(p)}
	var sent, gone int
	var errs []error
	for _, ep := range endpoints {
		if err := d.limiters.Wait(ctx, domain.ChannelPush); err != nil {
			return domain.Outcome{}, err
		}
		res, err := d.sinks.Push.Send(ctx, ep, msg)
		if err != nil {
			errs = append(errs, err)
			d.onDelivery(domain.ChannelPush, "failed")
			log.Warn("push send failed", zap.String("endpoint_id", ep.ID), zap.Error(err))
			continue
		}
		if res == provider.PushGone {
			gone++
			d.onDelivery(domain.ChannelPush, "gone")
			if err := d.store.DeletePushEndpoint(ctx, ep.ID); err != nil {
				log.Error("failed to delete gone endpoint", zap.String("endpoint_id", ep.ID), zap.Error(err))
			} else {
				log.Info("deleted gone push endpoint", zap.String("endpoint_id", ep.ID))
			}
			continue
		}
		sent++
		d.onDelivery(domain.ChannelPush, "sent")
	}

	if len(errs) == len(endpoints) {
		err := fmt.Errorf("all %d endpoints failed: %w", len(endpoints), errors.Join(errs...))
		if allPermanent(errs) {
			return domain.Outcome{}, domain.Permanent("dispatch push", err)
		}
		return domain.Outcome{}, domain.Transient("dispatch push", err)
	}
	if len(errs) > 0 || gone > 0 {
		log.Info("push partially delivered",
			zap.Int("sent", sent),
			zap.Int("gone", gone),
			zap.Int("failed", len(errs)),
		)
	}
	return domain.Success(sent), nil
}

func (d *Dispatcher) email(ctx context.Context, p domain.DispatchPayload) (domain.Outcome, error) {
	if d.sinks.Email == nil {
		d.onDelivery(domain.ChannelEmail, "skipped")
		return domain.Skipped(domain.ReasonSinkDisabled), nil
	}
	r, ok, err := d.recipient(ctx, p.UserID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if !ok || r.Email == "" {
		d.onDelivery(domain.ChannelEmail, "skipped")
		return domain.Skipped(domain.ReasonNoAddress), nil
	}

	if err := d.limiters.Wait(ctx, domain.ChannelEmail); err != nil {
		return domain.Outcome{}, err
	}
	if err := d.sinks.Email.Send(ctx, r.Email, p.Title, p.Body); err != nil {
		d.onDelivery(domain.ChannelEmail, "failed")
		return domain.Outcome{}, fmt.Errorf("send email: %w", err)
	}
	d.onDelivery(domain.ChannelEmail, "sent")
	return domain.Success(1), nil
}

func (d *Dispatcher) sms(ctx context.Context, p domain.DispatchPayload) (domain.Outcome, error) {
	if d.sinks.SMS == nil {
		d.onDelivery(domain.ChannelSMS, "skipped")
		return domain.Skipped(domain.ReasonSinkDisabled), nil
	}
	r, ok, err := d.recipient(ctx, p.UserID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if !ok || r.Phone == "" {
		d.onDelivery(domain.ChannelSMS, "skipped")
		return domain.Skipped(domain.ReasonNoAddress), nil
	}
	if !r.PhoneVerified {
		d.onDelivery(domain.ChannelSMS, "skipped")
		return domain.Skipped(domain.ReasonPhoneUnverified), nil
	}

	if err := d.limiters.Wait(ctx, domain.ChannelSMS); err != nil {
		return domain.Outcome{}, err
	}
	if err := d.sinks.SMS.Send(ctx, r.Phone, p.Title+": "+p.Body); err != nil {
		d.onDelivery(domain.ChannelSMS, "failed")
		return domain.Outcome{}, fmt.Errorf("send sms: %w", err)
	}
	d.onDelivery(domain.ChannelSMS, "sent")
	return domain.Success(1), nil
}

func (d *Dispatcher) recipient(ctx context.Context, userID string) (*domain.Recipient, bool, error) {
	r, err := d.store.GetRecipient(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load recipient %s: %w", userID, err)
	}
	return r, true, nil
}

func pushData(p domain.DispatchPayload) map[string]string {
	data := make(map[string]string, len(p.Data)+3)
	for k, v := range p.Data {
		data[k] = v
	}
	data["notificationId"] = p.NotificationID
	data["type"] = string(p.Type)
	data["idempotencyKey"] = p.IdempotencyKey
	return data
}

// allPermanent is true when no error in errs is worth retrying.
func allPermanent(errs []error) bool {
	for _, err := range errs {
		if domain.Classify(err) == domain.KindTransient {
			return false
		}
	}
	return true
}
