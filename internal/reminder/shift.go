package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

// ShiftHandler reminds the assigned caregiver before a shift starts.
type ShiftHandler struct {
	n *Notifier
}

func NewShiftHandler(n *Notifier) *ShiftHandler {
	return &ShiftHandler{n: n}
}

func (h *ShiftHandler) Handle(ctx context.Context, job *queue.Job) (domain.Outcome, error) {
	p, err := decode[domain.ShiftPayload](job)
	if err != nil {
		return domain.Outcome{}, err
	}

	shift, found, err := lookup(ctx, h.n.store.GetShift, p.ShiftID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if !found {
		return domain.Skipped(domain.ReasonEntityNotFound), nil
	}
	if shift.Status != domain.ShiftScheduled {
		return domain.Skipped(domain.ReasonNotActive), nil
	}

	caregiver, found, err := lookup(ctx, h.n.store.GetRecipient, shift.CaregiverID)
	if err != nil {
		return domain.Outcome{}, err
	}
	var recipients []*domain.Recipient
	if found {
		recipients = append(recipients, caregiver)
	}

	return h.n.notify(ctx, job, recipients, message{
		typ:      domain.TypeShiftReminder,
		key:      p.IdempotencyKey,
		entityID: shift.ID,
		zone:     shift.TimeZone,
		priority: domain.PriorityNormal,
		channels: []domain.ChannelKind{domain.ChannelPush},
		data:     offsetData(p.OffsetMinutes),
		render: func(loc *time.Location) (string, string) {
			start := shift.StartsAt.In(loc)
			body := fmt.Sprintf("Your shift starts %s, at %s.", leadTime(p.OffsetMinutes), start.Format(clockLayout))
			if !shift.EndsAt.IsZero() {
				body = fmt.Sprintf("Your shift starts %s, %s to %s.", leadTime(p.OffsetMinutes),
					start.Format(clockLayout), shift.EndsAt.In(loc).Format(clockLayout))
			}
			return "Upcoming shift", body
		},
	})
}
