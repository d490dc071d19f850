package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

// AppointmentHandler reminds the family ahead of a scheduled appointment.
type AppointmentHandler struct {
	n *Notifier
}

func NewAppointmentHandler(n *Notifier) *AppointmentHandler {
	return &AppointmentHandler{n: n}
}

func (h *AppointmentHandler) Handle(ctx context.Context, job *queue.Job) (domain.Outcome, error) {
	p, err := decode[domain.AppointmentPayload](job)
	if err != nil {
		return domain.Outcome{}, err
	}

	appt, found, err := lookup(ctx, h.n.store.GetAppointment, p.AppointmentID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if !found {
		return domain.Skipped(domain.ReasonEntityNotFound), nil
	}
	if appt.Status != domain.AppointmentScheduled {
		return domain.Skipped(domain.ReasonNotActive), nil
	}

	recipients, err := h.n.store.ActiveRecipients(ctx, appt.FamilyID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("resolve recipients: %w", err)
	}

	// The stored time wins over the payload if the appointment was moved.
	at := appt.ScheduledAt
	return h.n.notify(ctx, job, recipients, message{
		typ:      domain.TypeAppointmentReminder,
		key:      p.IdempotencyKey,
		entityID: appt.ID,
		zone:     appt.TimeZone,
		priority: domain.PriorityNormal,
		channels: []domain.ChannelKind{domain.ChannelPush},
		data:     offsetData(p.OffsetMinutes),
		render: func(loc *time.Location) (string, string) {
			local := at.In(loc)
			where := ""
			if appt.Location != "" {
				where = " (" + appt.Location + ")"
			}
			body := fmt.Sprintf("%s %s, on %s at %s%s.", appt.Title, leadTime(p.OffsetMinutes),
				local.Format("Mon Jan 2"), local.Format(clockLayout), where)
			return "Upcoming appointment: " + appt.Title, body
		},
	})
}
