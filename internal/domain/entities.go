package domain

import (
	"fmt"
	"time"
)

// Medication is a prescribed item with a supply counter.
type Medication struct {
	ID              string `json:"id"`
	FamilyID        string `json:"family_id"`
	Name            string `json:"name"`
	Dosage          string `json:"dosage"`
	Active          bool   `json:"active"`
	TimeZone        string `json:"time_zone"`
	SupplyRemaining int    `json:"supply_remaining"`
	RefillThreshold int    `json:"refill_threshold"`
}

// NeedsRefill reports whether the supply has dropped to the refill threshold.
func (m *Medication) NeedsRefill() bool {
	return m.SupplyRemaining <= m.RefillThreshold
}

// MedicationSchedule is one daily dose slot of a medication, expressed as a
// wall-clock time in the medication's time zone.
type MedicationSchedule struct {
	ID           string `json:"id"`
	MedicationID string `json:"medication_id"`
	TimeOfDay    string `json:"time_of_day"` // "15:04"
	Active       bool   `json:"active"`

	// Joined from the medication for scheduler scans.
	Medication *Medication `json:"medication,omitempty"`
}

// OccurrenceOn returns the dose instant on the given local calendar day.
// time.Date normalises wall-clock times that fall into a DST gap.
func (s *MedicationSchedule) OccurrenceOn(year int, month time.Month, day int, loc *time.Location) (time.Time, error) {
	clock, err := time.Parse("15:04", s.TimeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: schedule %s time_of_day %q", ErrInvalidPayload, s.ID, s.TimeOfDay)
	}
	return time.Date(year, month, day, clock.Hour(), clock.Minute(), 0, 0, loc), nil
}

// MedicationLog records that a dose was taken (or explicitly skipped).
type MedicationLog struct {
	ID          string    `json:"id"`
	ScheduleID  string    `json:"schedule_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	LoggedAt    time.Time `json:"logged_at"`
}

// AppointmentStatus tracks the lifecycle of an appointment.
type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "SCHEDULED"
	AppointmentCancelled AppointmentStatus = "CANCELLED"
	AppointmentCompleted AppointmentStatus = "COMPLETED"
)

// Appointment is a one-off event at a fixed instant.
type Appointment struct {
	ID          string            `json:"id"`
	FamilyID    string            `json:"family_id"`
	Title       string            `json:"title"`
	Location    string            `json:"location"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	TimeZone    string            `json:"time_zone"`
	Status      AppointmentStatus `json:"status"`
}

// ShiftStatus tracks the lifecycle of a caregiver shift.
type ShiftStatus string

const (
	ShiftScheduled  ShiftStatus = "SCHEDULED"
	ShiftInProgress ShiftStatus = "IN_PROGRESS"
	ShiftCompleted  ShiftStatus = "COMPLETED"
	ShiftCancelled  ShiftStatus = "CANCELLED"
)

// Shift is a block of time a caregiver has committed to.
type Shift struct {
	ID          string      `json:"id"`
	FamilyID    string      `json:"family_id"`
	CaregiverID string      `json:"caregiver_id"`
	StartsAt    time.Time   `json:"starts_at"`
	EndsAt      time.Time   `json:"ends_at"`
	TimeZone    string      `json:"time_zone"`
	Status      ShiftStatus `json:"status"`
}

// Recipient is a user that can receive notifications, with the contact
// details the dispatch worker needs.
type Recipient struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	PhoneVerified bool   `json:"phone_verified"`
	TimeZone      string `json:"time_zone"`
	SMSOptIn      bool   `json:"sms_opt_in"`
}

// PushEndpoint is one registered device of a user.
type PushEndpoint struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is the persisted, in-app representation of a reminder. At
// most one row exists per (UserID, Type, IdempotencyKey).
type Notification struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
	Body           string           `json:"body"`
	IdempotencyKey string           `json:"idempotency_key"`
	Data           map[string]any   `json:"data"`
	CreatedAt      time.Time        `json:"created_at"`
}

// DeadLetterRecord is the terminal, never-mutated trace of a job that could
// not be completed.
type DeadLetterRecord struct {
	ID               string    `json:"id"`
	OriginalCategory Category  `json:"original_category"`
	OriginalJobID    string    `json:"original_job_id"`
	OriginalPayload  []byte    `json:"original_payload"`
	Error            string    `json:"error"`
	ErrorKind        string    `json:"error_kind"`
	FailedAt         time.Time `json:"failed_at"`
	AttemptsMade     int       `json:"attempts_made"`
}

// LoadLocation resolves the first non-empty zone name, falling back to UTC
// when none of them parse.
func LoadLocation(names ...string) *time.Location {
	for _, name := range names {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}
