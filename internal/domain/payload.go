package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
)

// Payload is the body of a job. The set of payloads is closed; each one
// belongs to exactly one category.
type Payload interface {
	Category() Category
	sealed()
}

type MedicationPayload struct {
	ScheduleID     string    `json:"scheduleId" validate:"required"`
	MedicationID   string    `json:"medicationId" validate:"required"`
	ScheduledAt    time.Time `json:"scheduledAt" validate:"required"`
	OffsetMinutes  int       `json:"offsetMinutes" validate:"min=0"`
	IdempotencyKey string    `json:"idempotencyKey" validate:"required"`
}

type AppointmentPayload struct {
	AppointmentID  string    `json:"appointmentId" validate:"required"`
	ScheduledAt    time.Time `json:"scheduledAt" validate:"required"`
	OffsetMinutes  int       `json:"offsetMinutes" validate:"min=0"`
	IdempotencyKey string    `json:"idempotencyKey" validate:"required"`
}

type ShiftPayload struct {
	ShiftID        string    `json:"shiftId" validate:"required"`
	StartsAt       time.Time `json:"startsAt" validate:"required"`
	OffsetMinutes  int       `json:"offsetMinutes" validate:"min=0"`
	IdempotencyKey string    `json:"idempotencyKey" validate:"required"`
}

type RefillPayload struct {
	MedicationID   string `json:"medicationId" validate:"required"`
	Date           string `json:"date" validate:"required,datetime=2006-01-02"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
}

// DispatchPayload delivers one persisted notification over one channel.
type DispatchPayload struct {
	NotificationID string            `json:"notificationId" validate:"required"`
	UserID         string            `json:"userId" validate:"required"`
	Channel        ChannelKind       `json:"channel" validate:"required,oneof=PUSH EMAIL SMS IN_APP"`
	Type           NotificationType  `json:"type" validate:"required"`
	Title          string            `json:"title" validate:"required"`
	Body           string            `json:"body" validate:"required"`
	IdempotencyKey string            `json:"idempotencyKey" validate:"required"`
	Data           map[string]string `json:"data,omitempty"`
}

// DeadLetterPayload is the job body on the dead-letter category.
type DeadLetterPayload struct {
	OriginalCategory Category        `json:"originalCategory" validate:"required"`
	OriginalJobID    string          `json:"originalJobId" validate:"required"`
	OriginalPayload  json.RawMessage `json:"originalPayload"`
	Error            string          `json:"error"`
	ErrorKind        string          `json:"errorKind"`
	FailedAt         time.Time       `json:"failedAt" validate:"required"`
	AttemptsMade     int             `json:"attemptsMade" validate:"min=0"`
}

func (MedicationPayload) Category() Category  { return CategoryMedication }
func (AppointmentPayload) Category() Category { return CategoryAppointment }
func (ShiftPayload) Category() Category       { return CategoryShift }
func (RefillPayload) Category() Category      { return CategoryRefill }
func (DispatchPayload) Category() Category    { return CategoryDispatch }
func (DeadLetterPayload) Category() Category  { return CategoryDeadLetter }

func (MedicationPayload) sealed()  {}
func (AppointmentPayload) sealed() {}
func (ShiftPayload) sealed()       {}
func (RefillPayload) sealed()      {}
func (DispatchPayload) sealed()    {}
func (DeadLetterPayload) sealed()  {}

// Record converts the payload into the stored dead-letter record.
func (p DeadLetterPayload) Record(id string) DeadLetterRecord {
	return DeadLetterRecord{
		ID:               id,
		OriginalCategory: p.OriginalCategory,
		OriginalJobID:    p.OriginalJobID,
		OriginalPayload:  []byte(p.OriginalPayload),
		Error:            p.Error,
		ErrorKind:        p.ErrorKind,
		FailedAt:         p.FailedAt,
		AttemptsMade:     p.AttemptsMade,
	}
}

var validate = validatorv10.New()

// EncodePayload serialises a payload for the queue.
func EncodePayload(p Payload) ([]byte, error) {
	if err := validate.Struct(p); err != nil {
		return nil, Invalid("encode "+string(p.Category()), fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, Invalid("encode "+string(p.Category()), err)
	}
	return b, nil
}

// DecodePayload parses and validates raw job data for a category. Unknown
// fields, missing fields and out-of-range values are validation errors.
func DecodePayload(cat Category, raw []byte) (Payload, error) {
	op := "decode " + string(cat)
	switch cat {
	case CategoryMedication:
		return decodeInto[MedicationPayload](op, raw)
	case CategoryAppointment:
		return decodeInto[AppointmentPayload](op, raw)
	case CategoryShift:
		return decodeInto[ShiftPayload](op, raw)
	case CategoryRefill:
		return decodeInto[RefillPayload](op, raw)
	case CategoryDispatch:
		return decodeInto[DispatchPayload](op, raw)
	case CategoryDeadLetter:
		return decodeInto[DeadLetterPayload](op, raw)
	}
	return nil, Invalid(op, fmt.Errorf("%w: %q", ErrUnknownCategory, cat))
}

func decodeInto[T Payload](op string, raw []byte) (Payload, error) {
	var p T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, Invalid(op, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	if err := validate.Struct(p); err != nil {
		var ve validatorv10.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return nil, Invalid(op, fmt.Errorf("%w: field %s failed %q", ErrInvalidPayload, ve[0].Field(), ve[0].Tag()))
		}
		return nil, Invalid(op, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	return p, nil
}
