package repository

import (
	"context"
	"time"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

// Store is everything the engine reads from or writes to the domain
// database. The pgx implementation is in pg_store.go; tests use the
// in-memory MockStore in mock_store.go.
//
// Get* methods return domain.ErrNotFound when the row does not exist.
type Store interface {
	// Scheduler scans.
	ListActiveSchedules(ctx context.Context) ([]*domain.MedicationSchedule, error)
	ListAppointmentsBetween(ctx context.Context, from, to time.Time) ([]*domain.Appointment, error)
	ListShiftsBetween(ctx context.Context, from, to time.Time) ([]*domain.Shift, error)
	ListRefillCandidates(ctx context.Context) ([]*domain.Medication, error)
	HasMedicationLog(ctx context.Context, scheduleID string, scheduledAt time.Time) (bool, error)

	GetSchedule(ctx context.Context, id string) (*domain.MedicationSchedule, error)
	GetMedication(ctx context.Context, id string) (*domain.Medication, error)
	GetAppointment(ctx context.Context, id string) (*domain.Appointment, error)
	GetShift(ctx context.Context, id string) (*domain.Shift, error)

	ActiveRecipients(ctx context.Context, familyID string) ([]*domain.Recipient, error)
	GetRecipient(ctx context.Context, userID string) (*domain.Recipient, error)

	FindNotification(ctx context.Context, userID string, typ domain.NotificationType, key string) (*domain.Notification, error)
	// CreateNotification inserts n unless a row with the same
	// (UserID, Type, IdempotencyKey) exists, in which case it returns false.
	CreateNotification(ctx context.Context, n *domain.Notification) (bool, error)

	ListPushEndpoints(ctx context.Context, userID string) ([]*domain.PushEndpoint, error)
	DeletePushEndpoint(ctx context.Context, id string) error

	SaveDeadLetter(ctx context.Context, rec domain.DeadLetterRecord) error

	Ping(ctx context.Context) error
}
