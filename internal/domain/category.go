package domain

import "fmt"

// Category names a queue and the worker pool that drains it.
type Category string

const (
	CategoryMedication  Category = "medication"
	CategoryAppointment Category = "appointment"
	CategoryShift       Category = "shift"
	CategoryRefill      Category = "refill"
	CategoryDispatch    Category = "dispatch"
	CategoryDeadLetter  Category = "dead-letter"
)

// AllCategories lists every category in the order pools are started.
func AllCategories() []Category {
	return []Category{
		CategoryMedication,
		CategoryAppointment,
		CategoryShift,
		CategoryRefill,
		CategoryDispatch,
		CategoryDeadLetter,
	}
}

func (c Category) IsValid() bool {
	switch c {
	case CategoryMedication, CategoryAppointment, CategoryShift,
		CategoryRefill, CategoryDispatch, CategoryDeadLetter:
		return true
	}
	return false
}

// ParseCategory converts a raw string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
	return c, nil
}

// ChannelKind is the delivery channel of a dispatch job.
type ChannelKind string

const (
	ChannelPush  ChannelKind = "PUSH"
	ChannelEmail ChannelKind = "EMAIL"
	ChannelSMS   ChannelKind = "SMS"
	ChannelInApp ChannelKind = "IN_APP"
)

func (c ChannelKind) IsValid() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS, ChannelInApp:
		return true
	}
	return false
}

// NotificationType is the persisted type of a Notification row.
type NotificationType string

const (
	TypeMedicationReminder  NotificationType = "MEDICATION_REMINDER"
	TypeAppointmentReminder NotificationType = "APPOINTMENT_REMINDER"
	TypeShiftReminder       NotificationType = "SHIFT_REMINDER"
	TypeRefillAlert         NotificationType = "REFILL_ALERT"
)

// Priority controls the order in which ready jobs are reserved. High is
// always served before normal, normal before low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities returns the tiers in service order.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityNormal, PriorityLow}
}

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Skip reasons reported by handlers. A skip is a success that consumes no
// retry budget.
const (
	ReasonEntityNotFound  = "entity_not_found"
	ReasonNotActive       = "not_active"
	ReasonSupplyAdequate  = "supply_adequate"
	ReasonAlreadyTaken    = "already_taken"
	ReasonNoRecipients    = "no_recipients"
	ReasonDuplicate       = "duplicate"
	ReasonNoEndpoints     = "no_endpoints"
	ReasonNoAddress       = "no_address"
	ReasonPhoneUnverified = "phone_unverified"
	ReasonSinkDisabled    = "sink_disabled"
	ReasonInApp           = "in_app"
)

// OutcomeStatus distinguishes a completed job from a legitimately skipped one.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome is what a handler reports for a job that did not fail.
type Outcome struct {
	Status OutcomeStatus
	Reason string
	Count  int
}

// Success reports a completed job that affected count recipients or endpoints.
func Success(count int) Outcome { return Outcome{Status: OutcomeSuccess, Count: count} }

// Skipped reports a job that had nothing left to do.
func Skipped(reason string) Outcome { return Outcome{Status: OutcomeSkipped, Reason: reason} }

func (o Outcome) IsSkipped() bool { return o.Status == OutcomeSkipped }
