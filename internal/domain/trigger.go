package domain

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Trigger is a reminder the scheduler has decided is due. It is never
// persisted; only the job derived from it reaches the queue.
type Trigger struct {
	EntityID      string
	Kind          Category
	ScheduledAt   time.Time
	OffsetMinutes int

	// Location is the zone the dose date is stamped in. Only medication and
	// refill triggers are date stamped.
	Location *time.Location
}

// ReminderTime is the instant the reminder should fire.
func (t Trigger) ReminderTime() time.Time {
	return t.ScheduledAt.Add(-time.Duration(t.OffsetMinutes) * time.Minute)
}

// LocalDate is the calendar date of ScheduledAt in the trigger's zone.
func (t Trigger) LocalDate() string {
	loc := t.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.ScheduledAt.In(loc).Format(dateLayout)
}

// JobID is the deterministic queue id. Repeated enqueues of the same
// trigger collapse into one job.
func (t Trigger) JobID() string {
	switch t.Kind {
	case CategoryMedication:
		return fmt.Sprintf("medication-%s-%s-%d", t.EntityID, t.LocalDate(), t.OffsetMinutes)
	case CategoryRefill:
		return fmt.Sprintf("refill-%s-%s", t.EntityID, t.LocalDate())
	default:
		return fmt.Sprintf("%s-%s-%d", t.Kind, t.EntityID, t.OffsetMinutes)
	}
}

// IdempotencyKey identifies the logical reminder a Notification belongs to.
func (t Trigger) IdempotencyKey() string {
	return ReminderKey(t.Kind, t.EntityID, t.LocalDate(), t.OffsetMinutes)
}

// ReminderKey builds the idempotency key for a category. date is ignored for
// appointments and shifts, offset for refills.
func ReminderKey(kind Category, entityID, date string, offset int) string {
	switch kind {
	case CategoryMedication:
		return fmt.Sprintf("med-%s-%s-%d", entityID, date, offset)
	case CategoryAppointment:
		return fmt.Sprintf("appt-%s-%d", entityID, offset)
	case CategoryShift:
		return fmt.Sprintf("shift-%s-%d", entityID, offset)
	case CategoryRefill:
		return fmt.Sprintf("refill-%s-%s", entityID, date)
	}
	return fmt.Sprintf("%s-%s-%d", kind, entityID, offset)
}

// DispatchJobID derives the delivery job id from the notification key so a
// re-run of a category job cannot fan out twice.
func DispatchJobID(key, userID string, channel ChannelKind) string {
	return fmt.Sprintf("dispatch-%s-%s-%s", key, userID, channel)
}

// DeadLetterJobID names the dead-letter job for a failed job.
func DeadLetterJobID(originalJobID string, failedAt time.Time) string {
	return fmt.Sprintf("dead-letter-%s-%d", originalJobID, failedAt.UnixMilli())
}
