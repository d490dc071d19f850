package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a Store backed by PostgreSQL.
func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

// classify attaches a failure kind to a database error. Missing rows are
// permanent; connection and resource problems are transient; data and
// constraint violations will not fix themselves.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Permanent(op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return domain.Transient(op, err)
		case "22", "23", "42":
			return domain.Permanent(op, err)
		}
	}
	return domain.Transient(op, err)
}

const scheduleColumns = `
	s.id, s.medication_id, s.time_of_day, s.active,
	m.id, m.family_id, m.name, m.dosage, m.active, m.time_zone, m.supply_remaining, m.refill_threshold`

func scanSchedule(row pgx.Row) (*domain.MedicationSchedule, error) {
	var s domain.MedicationSchedule
	var m domain.Medication
	err := row.Scan(
		&s.ID, &s.MedicationID, &s.TimeOfDay, &s.Active,
		&m.ID, &m.FamilyID, &m.Name, &m.Dosage, &m.Active, &m.TimeZone, &m.SupplyRemaining, &m.RefillThreshold,
	)
	if err != nil {
		return nil, err
	}
	s.Medication = &m
	return &s, nil
}

func (r *pgStore) ListActiveSchedules(ctx context.Context) ([]*domain.MedicationSchedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+scheduleColumns+`
		FROM medication_schedules s
		JOIN medications m ON m.id = s.medication_id
		WHERE s.active AND m.active`)
	if err != nil {
		return nil, classify("list schedules", err)
	}
	defer rows.Close()

	var out []*domain.MedicationSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, classify("scan schedule", err)
		}
		out = append(out, s)
	}
	return out, classify("list schedules", rows.Err())
}

func (r *pgStore) GetSchedule(ctx context.Context, id string) (*domain.MedicationSchedule, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT`+scheduleColumns+`
		FROM medication_schedules s
		JOIN medications m ON m.id = s.medication_id
		WHERE s.id = $1`, id)
	s, err := scanSchedule(row)
	if err != nil {
		return nil, classify("get schedule", err)
	}
	return s, nil
}

const medicationColumns = `id, family_id, name, dosage, active, time_zone, supply_remaining, refill_threshold`

func scanMedication(row pgx.Row) (*domain.Medication, error) {
	var m domain.Medication
	if err := row.Scan(&m.ID, &m.FamilyID, &m.Name, &m.Dosage, &m.Active, &m.TimeZone, &m.SupplyRemaining, &m.RefillThreshold); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *pgStore) GetMedication(ctx context.Context, id string) (*domain.Medication, error) {
	m, err := scanMedication(r.pool.QueryRow(ctx, `SELECT `+medicationColumns+` FROM medications WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get medication", err)
	}
	return m, nil
}

func (r *pgStore) ListRefillCandidates(ctx context.Context) ([]*domain.Medication, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+medicationColumns+`
		FROM medications
		WHERE active AND supply_remaining <= refill_threshold`)
	if err != nil {
		return nil, classify("list refill candidates", err)
	}
	defer rows.Close()

	var out []*domain.Medication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, classify("scan medication", err)
		}
		out = append(out, m)
	}
	return out, classify("list refill candidates", rows.Err())
}

func (r *pgStore) HasMedicationLog(ctx context.Context, scheduleID string, scheduledAt time.Time) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM medication_logs WHERE schedule_id = $1 AND scheduled_at = $2
		)`, scheduleID, scheduledAt).Scan(&exists)
	if err != nil {
		return false, classify("check medication log", err)
	}
	return exists, nil
}

const appointmentColumns = `id, family_id, title, location, scheduled_at, time_zone, status`

func scanAppointment(row pgx.Row) (*domain.Appointment, error) {
	var a domain.Appointment
	if err := row.Scan(&a.ID, &a.FamilyID, &a.Title, &a.Location, &a.ScheduledAt, &a.TimeZone, &a.Status); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *pgStore) ListAppointmentsBetween(ctx context.Context, from, to time.Time) ([]*domain.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'SCHEDULED' AND scheduled_at >= $1 AND scheduled_at <= $2
		ORDER BY scheduled_at`, from, to)
	if err != nil {
		return nil, classify("list appointments", err)
	}
	defer rows.Close()

	var out []*domain.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, classify("scan appointment", err)
		}
		out = append(out, a)
	}
	return out, classify("list appointments", rows.Err())
}

func (r *pgStore) GetAppointment(ctx context.Context, id string) (*domain.Appointment, error) {
	a, err := scanAppointment(r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get appointment", err)
	}
	return a, nil
}

const shiftColumns = `id, family_id, caregiver_id, starts_at, ends_at, time_zone, status`

func scanShift(row pgx.Row) (*domain.Shift, error) {
	var s domain.Shift
	if err := row.Scan(&s.ID, &s.FamilyID, &s.CaregiverID, &s.StartsAt, &s.EndsAt, &s.TimeZone, &s.Status); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *pgStore) ListShiftsBetween(ctx context.Context, from, to time.Time) ([]*domain.Shift, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE status = 'SCHEDULED' AND starts_at >= $1 AND starts_at <= $2
		ORDER BY starts_at`, from, to)
	if err != nil {
		return nil, classify("list shifts", err)
	}
	defer rows.Close()

	var out []*domain.Shift
	for rows.Next() {
		s, err := scanShift(rows)
		if err != nil {
			return nil, classify("scan shift", err)
		}
		out = append(out, s)
	}
	return out, classify("list shifts", rows.Err())
}

func (r *pgStore) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	s, err := scanShift(r.pool.QueryRow(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get shift", err)
	}
	return s, nil
}

const recipientColumns = `id, name, email, phone, phone_verified, time_zone, sms_opt_in`

func scanRecipient(row pgx.Row) (*domain.Recipient, error) {
	var u domain.Recipient
	if err := row.Scan(&u.UserID, &u.Name, &u.Email, &u.Phone, &u.PhoneVerified, &u.TimeZone, &u.SMSOptIn); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *pgStore) ActiveRecipients(ctx context.Context, familyID string) ([]*domain.Recipient, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recipientColumns+`
		FROM users
		WHERE family_id = $1 AND active
		ORDER BY id`, familyID)
	if err != nil {
		return nil, classify("list recipients", err)
	}
	defer rows.Close()

	var out []*domain.Recipient
	for rows.Next() {
		u, err := scanRecipient(rows)
		if err != nil {
			return nil, classify("scan recipient", err)
		}
		out = append(out, u)
	}
	return out, classify("list recipients", rows.Err())
}

func (r *pgStore) GetRecipient(ctx context.Context, userID string) (*domain.Recipient, error) {
	u, err := scanRecipient(r.pool.QueryRow(ctx, `SELECT `+recipientColumns+` FROM users WHERE id = $1 AND active`, userID))
	if err != nil {
		return nil, classify("get recipient", err)
	}
	return u, nil
}

// FindNotification returns nil, nil when no notification exists for the key.
func (r *pgStore) FindNotification(ctx context.Context, userID string, typ domain.NotificationType, key string) (*domain.Notification, error) {
	var n domain.Notification
	var data []byte
	err := r.pool.QueryRow(ctx, `
		SELECT id, user_id, type, title, body, idempotency_key, data, created_at
		FROM notifications
		WHERE user_id = $1 AND type = $2 AND idempotency_key = $3`, userID, typ, key).
		Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &n.IdempotencyKey, &data, &n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find notification", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, domain.Permanent("find notification", fmt.Errorf("decode data: %w", err))
		}
	}
	return &n, nil
}

func (r *pgStore) CreateNotification(ctx context.Context, n *domain.Notification) (bool, error) {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return false, domain.Invalid("create notification", err)
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, body, idempotency_key, data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id, type, idempotency_key) DO NOTHING`,
		n.ID, n.UserID, n.Type, n.Title, n.Body, n.IdempotencyKey, data, n.CreatedAt,
	)
	if err != nil {
		return false, classify("create notification", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgStore) ListPushEndpoints(ctx context.Context, userID string) ([]*domain.PushEndpoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, token, platform, created_at
		FROM push_endpoints
		WHERE user_id = $1
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, classify("list push endpoints", err)
	}
	defer rows.Close()

	var out []*domain.PushEndpoint
	for rows.Next() {
		var e domain.PushEndpoint
		if err := rows.Scan(&e.ID, &e.UserID, &e.Token, &e.Platform, &e.CreatedAt); err != nil {
			return nil, classify("scan push endpoint", err)
		}
		out = append(out, &e)
	}
	return out, classify("list push endpoints", rows.Err())
}

func (r *pgStore) DeletePushEndpoint(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM push_endpoints WHERE id = $1`, id)
	return classify("delete push endpoint", err)
}

func (r *pgStore) SaveDeadLetter(ctx context.Context, rec domain.DeadLetterRecord) error {
	payload := rec.OriginalPayload
	if payload == nil {
		payload = []byte{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dead_letters
			(id, original_category, original_job_id, original_payload, error, error_kind, failed_at, attempts_made)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.OriginalCategory, rec.OriginalJobID, payload,
		rec.Error, rec.ErrorKind, rec.FailedAt, rec.AttemptsMade,
	)
	return classify("save dead letter", err)
}

func (r *pgStore) Ping(ctx context.Context) error {
	return classify("ping database", r.pool.Ping(ctx))
}
