package reminder

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

// RefillHandler alerts the family when a medication's supply is low. At or
// below the urgent threshold the alert is escalated and also sent by email.
type RefillHandler struct {
	n *Notifier
}

func NewRefillHandler(n *Notifier) *RefillHandler {
	return &RefillHandler{n: n}
}

func (h *RefillHandler) Handle(ctx context.Context, job *queue.Job) (domain.Outcome, error) {
	p, err := decode[domain.RefillPayload](job)
	if err != nil {
		return domain.Outcome{}, err
	}

	med, found, err := lookup(ctx, h.n.store.GetMedication, p.MedicationID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if !found {
		return domain.Skipped(domain.ReasonEntityNotFound), nil
	}
	if !med.Active {
		return domain.Skipped(domain.ReasonNotActive), nil
	}
	if !med.NeedsRefill() {
		return domain.Skipped(domain.ReasonSupplyAdequate), nil
	}

	recipients, err := h.n.store.ActiveRecipients(ctx, med.FamilyID)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("resolve recipients: %w", err)
	}

	urgent := med.SupplyRemaining <= h.n.cfg.RefillUrgentThreshold
	msg := message{
		typ:      domain.TypeRefillAlert,
		key:      p.IdempotencyKey,
		entityID: med.ID,
		zone:     med.TimeZone,
		priority: domain.PriorityNormal,
		channels: []domain.ChannelKind{domain.ChannelPush},
		data: map[string]string{
			"urgency":         "low",
			"supplyRemaining": strconv.Itoa(med.SupplyRemaining),
		},
		render: func(*time.Location) (string, string) {
			return "Refill soon: " + med.Name,
				fmt.Sprintf("%s is running low (%d remaining). Plan a refill.", med.Name, med.SupplyRemaining)
		},
	}
	if urgent {
		msg.priority = domain.PriorityHigh
		msg.channels = []domain.ChannelKind{domain.ChannelPush, domain.ChannelEmail}
		msg.data["urgency"] = "urgent"
		msg.render = func(*time.Location) (string, string) {
			return "Urgent refill needed: " + med.Name,
				fmt.Sprintf("Only %d of %s left. Refill as soon as possible.", med.SupplyRemaining, med.Name)
		}
	}

	return h.n.notify(ctx, job, recipients, msg)
}
