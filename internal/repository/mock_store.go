package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

// MockStore is a hand-written, in-memory Store used in unit tests and by
// the development binary when no database is configured.
type MockStore struct {
	mu sync.RWMutex

	medications  map[string]*domain.Medication
	schedules    map[string]*domain.MedicationSchedule
	logs         map[string]bool
	appointments map[string]*domain.Appointment
	shifts       map[string]*domain.Shift
	recipients   map[string]*domain.Recipient
	families     map[string][]string
	endpoints    map[string]*domain.PushEndpoint
	// keyed by user|type|idempotency key
	notifications map[string]*domain.Notification
	deadLetters   []domain.DeadLetterRecord

	// Optional error overrides; set in tests to simulate failure paths.
	ScanErr           error
	GetErr            error
	RecipientsErr     error
	CreateErr         error
	EndpointsErr      error
	SaveDeadLetterErr error
	PingErr           error
}

func NewMockStore() *MockStore {
	return &MockStore{
		medications:   make(map[string]*domain.Medication),
		schedules:     make(map[string]*domain.MedicationSchedule),
		logs:          make(map[string]bool),
		appointments:  make(map[string]*domain.Appointment),
		shifts:        make(map[string]*domain.Shift),
		recipients:    make(map[string]*domain.Recipient),
		families:      make(map[string][]string),
		endpoints:     make(map[string]*domain.PushEndpoint),
		notifications: make(map[string]*domain.Notification),
	}
}

// ---- seeding ----

func (m *MockStore) AddMedication(med domain.Medication) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.medications[med.ID] = &med
}

func (m *MockStore) AddSchedule(s domain.MedicationSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Medication = nil
	m.schedules[s.ID] = &s
}

func (m *MockStore) AddMedicationLog(scheduleID string, scheduledAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[logKey(scheduleID, scheduledAt)] = true
}

func (m *MockStore) AddAppointment(a domain.Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appointments[a.ID] = &a
}

func (m *MockStore) AddShift(s domain.Shift) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shifts[s.ID] = &s
}

// AddRecipient registers an active user. An empty familyID leaves the user
// outside every family, e.g. a hired caregiver.
func (m *MockStore) AddRecipient(familyID string, r domain.Recipient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[r.UserID] = &r
	if familyID != "" {
		m.families[familyID] = append(m.families[familyID], r.UserID)
	}
}

func (m *MockStore) AddPushEndpoint(e domain.PushEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[e.ID] = &e
}

// ---- inspection ----

// Notifications returns every stored notification ordered by user then key.
func (m *MockStore) Notifications() []*domain.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		clone := *n
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	return out
}

func (m *MockStore) SavedDeadLetters() []domain.DeadLetterRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.DeadLetterRecord(nil), m.deadLetters...)
}

func (m *MockStore) HasPushEndpoint(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.endpoints[id]
	return ok
}

// ---- Store ----

func (m *MockStore) ListActiveSchedules(_ context.Context) ([]*domain.MedicationSchedule, error) {
	if m.ScanErr != nil {
		return nil, m.ScanErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.MedicationSchedule
	for _, s := range m.schedules {
		med, ok := m.medications[s.MedicationID]
		if !ok || !s.Active || !med.Active {
			continue
		}
		out = append(out, m.joinSchedule(s, med))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) joinSchedule(s *domain.MedicationSchedule, med *domain.Medication) *domain.MedicationSchedule {
	clone := *s
	medClone := *med
	clone.Medication = &medClone
	return &clone
}

func (m *MockStore) GetSchedule(_ context.Context, id string) (*domain.MedicationSchedule, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	med, ok := m.medications[s.MedicationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m.joinSchedule(s, med), nil
}

func (m *MockStore) GetMedication(_ context.Context, id string) (*domain.Medication, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	med, ok := m.medications[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *med
	return &clone, nil
}

func (m *MockStore) ListRefillCandidates(_ context.Context) ([]*domain.Medication, error) {
	if m.ScanErr != nil {
		return nil, m.ScanErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Medication
	for _, med := range m.medications {
		if med.Active && med.NeedsRefill() {
			clone := *med
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) HasMedicationLog(_ context.Context, scheduleID string, scheduledAt time.Time) (bool, error) {
	if m.GetErr != nil {
		return false, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logs[logKey(scheduleID, scheduledAt)], nil
}

func (m *MockStore) ListAppointmentsBetween(_ context.Context, from, to time.Time) ([]*domain.Appointment, error) {
	if m.ScanErr != nil {
		return nil, m.ScanErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Appointment
	for _, a := range m.appointments {
		if a.Status == domain.AppointmentScheduled && within(a.ScheduledAt, from, to) {
			clone := *a
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (m *MockStore) GetAppointment(_ context.Context, id string) (*domain.Appointment, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (m *MockStore) ListShiftsBetween(_ context.Context, from, to time.Time) ([]*domain.Shift, error) {
	if m.ScanErr != nil {
		return nil, m.ScanErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Shift
	for _, s := range m.shifts {
		if s.Status == domain.ShiftScheduled && within(s.StartsAt, from, to) {
			clone := *s
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (m *MockStore) GetShift(_ context.Context, id string) (*domain.Shift, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shifts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *MockStore) ActiveRecipients(_ context.Context, familyID string) ([]*domain.Recipient, error) {
	if m.RecipientsErr != nil {
		return nil, m.RecipientsErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Recipient
	for _, id := range m.families[familyID] {
		if r, ok := m.recipients[id]; ok {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MockStore) GetRecipient(_ context.Context, userID string) (*domain.Recipient, error) {
	if m.RecipientsErr != nil {
		return nil, m.RecipientsErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recipients[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func notificationKey(userID string, typ domain.NotificationType, key string) string {
	return userID + "|" + string(typ) + "|" + key
}

func (m *MockStore) FindNotification(_ context.Context, userID string, typ domain.NotificationType, key string) (*domain.Notification, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[notificationKey(userID, typ, key)]
	if !ok {
		return nil, nil
	}
	clone := *n
	return &clone, nil
}

func (m *MockStore) CreateNotification(_ context.Context, n *domain.Notification) (bool, error) {
	if m.CreateErr != nil {
		return false, m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := notificationKey(n.UserID, n.Type, n.IdempotencyKey)
	if _, exists := m.notifications[k]; exists {
		return false, nil
	}
	clone := *n
	m.notifications[k] = &clone
	return true, nil
}

func (m *MockStore) ListPushEndpoints(_ context.Context, userID string) ([]*domain.PushEndpoint, error) {
	if m.EndpointsErr != nil {
		return nil, m.EndpointsErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.PushEndpoint
	for _, e := range m.endpoints {
		if e.UserID == userID {
			clone := *e
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) DeletePushEndpoint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, id)
	return nil
}

func (m *MockStore) SaveDeadLetter(_ context.Context, rec domain.DeadLetterRecord) error {
	if m.SaveDeadLetterErr != nil {
		return m.SaveDeadLetterErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, rec)
	return nil
}

func (m *MockStore) Ping(_ context.Context) error {
	return m.PingErr
}

func logKey(scheduleID string, at time.Time) string {
	return scheduleID + "@" + at.UTC().Format(time.RFC3339)
}

func within(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}
