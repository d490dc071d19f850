package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
	"github.com/notifyhub/reminder-engine/internal/repository"
)

// SchedulerConfig holds the tick interval and the reminder offsets, in
// minutes before the scheduled time, for each entity kind.
type SchedulerConfig struct {
	Interval           time.Duration
	MedicationOffsets  []int
	AppointmentOffsets []int
	ShiftOffsets       []int

	// RefillCheckTime is the local wall-clock time ("15:04") at which
	// low-supply medications are checked once per day.
	RefillCheckTime       string
	RefillUrgentThreshold int
	DefaultTimeZone       string

	// MaxAttempts is copied onto every enqueued job of the category.
	MaxAttempts map[domain.Category]int
}

// DefaultSchedulerConfig returns the stock offsets and a one minute tick.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:              time.Minute,
		MedicationOffsets:     []int{30, 15, 5, 0},
		AppointmentOffsets:    []int{1440, 60, 30},
		ShiftOffsets:          []int{60, 15},
		RefillCheckTime:       "09:00",
		RefillUrgentThreshold: 5,
		DefaultTimeZone:       "UTC",
	}
}

// SchedulerHooks are the scheduler's metric callbacks. Nil fields are no-ops.
type SchedulerHooks struct {
	OnTick      func()
	OnEnqueued  func(cat domain.Category)
	OnScanError func(cat domain.Category)
}

func (h SchedulerHooks) withDefaults() SchedulerHooks {
	if h.OnTick == nil {
		h.OnTick = func() {}
	}
	if h.OnEnqueued == nil {
		h.OnEnqueued = func(domain.Category) {}
	}
	if h.OnScanError == nil {
		h.OnScanError = func(domain.Category) {}
	}
	return h
}

// Scheduler scans the domain store on a fixed interval and enqueues one
// category job per due (entity, offset). Job ids are deterministic, so
// repeated ticks and concurrent scheduler instances collapse into one job.
type Scheduler struct {
	store  repository.Store
	broker queue.Broker
	cfg    SchedulerConfig
	logger *zap.Logger
	hooks  SchedulerHooks
	now    func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewScheduler(store repository.Store, broker queue.Broker, cfg SchedulerConfig, logger *zap.Logger, hooks SchedulerHooks) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RefillCheckTime == "" {
		cfg.RefillCheckTime = "09:00"
	}
	return &Scheduler{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: logger,
		hooks:  hooks.withDefaults(),
		now:    time.Now,
	}
}

// SetClock replaces the wall clock used by the ticker loop.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start runs a tick immediately and then every Interval until Stop is called
// or ctx is cancelled. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(ctx, s.done)
	s.logger.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.running = false
		}
		s.mu.Unlock()
		close(done)
	}()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx, s.now())
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the loop and waits for the current tick to return. It is
// safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Tick runs one scan at now and returns how many jobs were newly enqueued.
// Each entity kind is scanned independently; a failed kind is logged and
// the others still run.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "scheduler tick")
	defer span.End()
	s.hooks.OnTick()

	scans := []struct {
		cat  domain.Category
		scan func(context.Context, time.Time) (int, error)
	}{
		{domain.CategoryMedication, s.scanMedications},
		{domain.CategoryAppointment, s.scanAppointments},
		{domain.CategoryShift, s.scanShifts},
		{domain.CategoryRefill, s.scanRefills},
	}

	total := 0
	for _, sc := range scans {
		n, err := sc.scan(ctx, now)
		total += n
		if err != nil {
			s.hooks.OnScanError(sc.cat)
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan failed")
			s.logger.Error("scheduler scan failed",
				zap.String("category", string(sc.cat)),
				zap.Error(err),
			)
		}
	}

	span.SetAttributes(attribute.Int("scheduler.enqueued", total))
	if total > 0 {
		s.logger.Info("scheduler enqueued reminders", zap.Int("count", total), zap.Time("tick", now))
	}
	return total
}

// isDue reports whether now falls in the tick-aligned window containing at.
func (s *Scheduler) isDue(at, now time.Time) bool {
	start := at.Truncate(s.cfg.Interval)
	return !now.Before(start) && now.Before(start.Add(s.cfg.Interval))
}

// lookahead is how far past now an entity may be scheduled and still have
// a reminder due in this tick.
func (s *Scheduler) lookahead(offsets []int) time.Duration {
	maxOffset := 0
	if len(offsets) > 0 {
		maxOffset = slices.Max(offsets)
	}
	return time.Duration(maxOffset)*time.Minute + s.cfg.Interval
}

func (s *Scheduler) scanMedications(ctx context.Context, now time.Time) (int, error) {
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active schedules: %w", err)
	}

	horizon := now.Add(s.lookahead(s.cfg.MedicationOffsets))
	enqueued := 0
	var errs []error
	for _, sched := range schedules {
		med := sched.Medication
		if !sched.Active || med == nil || !med.Active {
			continue
		}
		loc := domain.LoadLocation(med.TimeZone, s.cfg.DefaultTimeZone)
		local := now.In(loc)

		for day := 0; day <= 1; day++ {
			at, err := sched.OccurrenceOn(local.Year(), local.Month(), local.Day()+day, loc)
			if err != nil {
				s.logger.Warn("skipping malformed schedule", zap.String("schedule_id", sched.ID), zap.Error(err))
				break
			}
			if at.After(horizon) {
				continue
			}
			n, err := s.enqueueMedication(ctx, sched, at, loc, now)
			enqueued += n
			if err != nil {
				// One bad schedule must not hold back the rest of the tick.
				s.logger.Warn("medication schedule scan failed", zap.String("schedule_id", sched.ID), zap.Error(err))
				errs = append(errs, err)
				break
			}
		}
	}
	return enqueued, errors.Join(errs...)
}

func (s *Scheduler) enqueueMedication(ctx context.Context, sched *domain.MedicationSchedule, at time.Time, loc *time.Location, now time.Time) (int, error) {
	logged := false
	checked := false
	enqueued := 0

	for _, off := range s.cfg.MedicationOffsets {
		tr := domain.Trigger{EntityID: sched.ID, Kind: domain.CategoryMedication, ScheduledAt: at, OffsetMinutes: off, Location: loc}
		if !s.isDue(tr.ReminderTime(), now) {
			continue
		}
		// The dose log check is an optimisation; the notification key is
		// what prevents duplicates.
		if !checked {
			var err error
			if logged, err = s.store.HasMedicationLog(ctx, sched.ID, at); err != nil {
				return enqueued, fmt.Errorf("check medication log %s: %w", sched.ID, err)
			}
			checked = true
		}
		if logged {
			continue
		}

		payload := domain.MedicationPayload{
			ScheduleID:     sched.ID,
			MedicationID:   sched.MedicationID,
			ScheduledAt:    at.UTC(),
			OffsetMinutes:  off,
			IdempotencyKey: tr.IdempotencyKey(),
		}
		ok, err := s.enqueue(ctx, tr.JobID(), payload, domain.PriorityNormal)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, nil
}

func (s *Scheduler) scanAppointments(ctx context.Context, now time.Time) (int, error) {
	from := now.Add(-s.cfg.Interval)
	appts, err := s.store.ListAppointmentsBetween(ctx, from, now.Add(s.lookahead(s.cfg.AppointmentOffsets)))
	if err != nil {
		return 0, fmt.Errorf("list appointments: %w", err)
	}

	enqueued := 0
	var errs []error
	for _, a := range appts {
		if a.Status != domain.AppointmentScheduled {
			continue
		}
		for _, off := range s.cfg.AppointmentOffsets {
			tr := domain.Trigger{EntityID: a.ID, Kind: domain.CategoryAppointment, ScheduledAt: a.ScheduledAt, OffsetMinutes: off}
			if !s.isDue(tr.ReminderTime(), now) {
				continue
			}
			payload := domain.AppointmentPayload{
				AppointmentID:  a.ID,
				ScheduledAt:    a.ScheduledAt.UTC(),
				OffsetMinutes:  off,
				IdempotencyKey: tr.IdempotencyKey(),
			}
			ok, err := s.enqueue(ctx, tr.JobID(), payload, domain.PriorityNormal)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				enqueued++
			}
		}
	}
	return enqueued, errors.Join(errs...)
}

func (s *Scheduler) scanShifts(ctx context.Context, now time.Time) (int, error) {
	from := now.Add(-s.cfg.Interval)
	shifts, err := s.store.ListShiftsBetween(ctx, from, now.Add(s.lookahead(s.cfg.ShiftOffsets)))
	if err != nil {
		return 0, fmt.Errorf("list shifts: %w", err)
	}

	enqueued := 0
	var errs []error
	for _, sh := range shifts {
		if sh.Status != domain.ShiftScheduled {
			continue
		}
		for _, off := range s.cfg.ShiftOffsets {
			tr := domain.Trigger{EntityID: sh.ID, Kind: domain.CategoryShift, ScheduledAt: sh.StartsAt, OffsetMinutes: off}
			if !s.isDue(tr.ReminderTime(), now) {
				continue
			}
			payload := domain.ShiftPayload{
				ShiftID:        sh.ID,
				StartsAt:       sh.StartsAt.UTC(),
				OffsetMinutes:  off,
				IdempotencyKey: tr.IdempotencyKey(),
			}
			ok, err := s.enqueue(ctx, tr.JobID(), payload, domain.PriorityNormal)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				enqueued++
			}
		}
	}
	return enqueued, errors.Join(errs...)
}

// scanRefills checks low-supply medications once per local day, in the
// tick whose window contains the configured check time.
func (s *Scheduler) scanRefills(ctx context.Context, now time.Time) (int, error) {
	check := domain.MedicationSchedule{ID: "refill-check", TimeOfDay: s.cfg.RefillCheckTime}
	meds, err := s.store.ListRefillCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list refill candidates: %w", err)
	}

	enqueued := 0
	var errs []error
	for _, med := range meds {
		if !med.Active || !med.NeedsRefill() {
			continue
		}
		loc := domain.LoadLocation(med.TimeZone, s.cfg.DefaultTimeZone)
		local := now.In(loc)
		at, err := check.OccurrenceOn(local.Year(), local.Month(), local.Day(), loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !s.isDue(at, now) {
			continue
		}

		tr := domain.Trigger{EntityID: med.ID, Kind: domain.CategoryRefill, ScheduledAt: at, Location: loc}
		prio := domain.PriorityNormal
		if med.SupplyRemaining <= s.cfg.RefillUrgentThreshold {
			prio = domain.PriorityHigh
		}
		payload := domain.RefillPayload{
			MedicationID:   med.ID,
			Date:           tr.LocalDate(),
			IdempotencyKey: tr.IdempotencyKey(),
		}
		ok, err := s.enqueue(ctx, tr.JobID(), payload, prio)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, errors.Join(errs...)
}

func (s *Scheduler) enqueue(ctx context.Context, jobID string, p domain.Payload, prio domain.Priority) (bool, error) {
	raw, err := domain.EncodePayload(p)
	if err != nil {
		return false, err
	}
	ok, err := s.broker.Enqueue(ctx, p.Category(), jobID, raw, queue.EnqueueOptions{
		MaxAttempts: s.cfg.MaxAttempts[p.Category()],
		Priority:    prio,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	if ok {
		s.hooks.OnEnqueued(p.Category())
		s.logger.Debug("reminder enqueued", zap.String("job_id", jobID))
	}
	return ok, nil
}
