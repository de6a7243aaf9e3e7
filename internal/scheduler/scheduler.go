// Package scheduler resumes suspended workflow instances on time and starts
// instances for appointment-relative triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"careflow/backend/internal/lock"
	"careflow/backend/internal/observability"
	"careflow/backend/internal/repository"
	"careflow/backend/pkg/models"
)

const secondaryLockKey = "scheduler:secondary"

// Engine is the part of the orchestrator the scheduler drives.
type Engine interface {
	Now() time.Time
	ResumeDelayed(ctx context.Context, instanceID string) (bool, error)
	StartInstance(ctx context.Context, def *models.Definition, data models.ContextData) (*models.Instance, error)
}

// Store is the persistence the scheduler reads.
type Store interface {
	repository.DefinitionStore
	repository.InstanceStore
	repository.AppointmentStore
	repository.PatientStore
}

// Logger is the logging surface the scheduler needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config sets the scheduler cadence.
type Config struct {
	Interval          time.Duration
	SecondaryInterval time.Duration
	// SecondaryWindow is the width of the trigger-time window each scan
	// covers. It should be at least SecondaryInterval so no tick leaves a gap.
	SecondaryWindow time.Duration
	BatchSize       int
	LockTTL         time.Duration
}

// Scheduler runs the due-instance sweep, the exact-time wake queue and the
// secondary trigger scan.
type Scheduler struct {
	engine  Engine
	store   Store
	locker  lock.Locker
	logger  Logger
	metrics *observability.Metrics
	cfg     Config
	queue   *wakeQueue
}

// New creates a Scheduler.
func New(engine Engine, store Store, locker lock.Locker, cfg Config, logger Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.SecondaryInterval <= 0 {
		cfg.SecondaryInterval = time.Minute
	}
	if cfg.SecondaryWindow < cfg.SecondaryInterval {
		cfg.SecondaryWindow = cfg.SecondaryInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Scheduler{
		engine:  engine,
		store:   store,
		locker:  locker,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		queue:   newWakeQueue(),
	}
}

// Schedule registers an exact-time wake for an instance that was persisted
// as WAITING.
func (s *Scheduler) Schedule(instanceID string, at time.Time) {
	s.queue.push(instanceID, at)
}

// Sweep resumes every WAITING instance whose wake time has passed. It
// returns the number of instances resumed.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveSweep(time.Since(started)) }()

	now := s.engine.Now()
	resumed := 0
	for {
		due, err := s.store.ListDueInstances(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return resumed, fmt.Errorf("failed to list due instances: %w", err)
		}

		progress := 0
		for _, inst := range due {
			if ctx.Err() != nil {
				return resumed, ctx.Err()
			}
			ok, err := s.engine.ResumeDelayed(ctx, inst.ID)
			if err != nil {
				s.logger.Error("Failed to resume due instance", "instance_id", inst.ID, "error", err)
				continue
			}
			if ok {
				progress++
				s.metrics.Resumed("sweep")
			}
		}
		resumed += progress

		// A short batch means the backlog is drained; a batch with no
		// progress means the rest is owned by other drivers.
		if len(due) < s.cfg.BatchSize || progress == 0 {
			break
		}
	}

	if resumed > 0 {
		s.logger.Info("Sweep resumed instances", "count", resumed)
	}
	return resumed, nil
}

// fireDue resumes the instances whose exact-time wake has been reached.
func (s *Scheduler) fireDue(ctx context.Context) {
	for _, id := range s.queue.popDue(s.engine.Now()) {
		ok, err := s.engine.ResumeDelayed(ctx, id)
		if err != nil {
			s.logger.Error("Failed to resume instance on wake", "instance_id", id, "error", err)
			continue
		}
		if ok {
			s.metrics.Resumed("timer")
		}
	}
}

// triggerWindow returns the appointment start times [from, to) whose
// secondary trigger fires in the scan window ending at now.
func triggerWindow(now time.Time, timing *models.TriggerTiming, width time.Duration) (time.Time, time.Time, error) {
	offset, err := timing.Offset()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if timing.Direction == models.DirectionAfter {
		offset = -offset
	}
	to := now.Add(offset)
	return to.Add(-width), to, nil
}

// ScanSecondaryTriggers starts one instance per (definition, appointment)
// pair whose trigger offset falls in the current window. Pairs that already
// have an instance are skipped, so overlapping windows and repeated ticks
// never start duplicates. It returns the number of instances started.
func (s *Scheduler) ScanSecondaryTriggers(ctx context.Context) (int, error) {
	lockCtx, cancel := context.WithTimeout(ctx, time.Second)
	unlock, err := s.locker.Lock(lockCtx, secondaryLockKey, s.cfg.LockTTL)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			s.logger.Debug("Secondary scan already running elsewhere")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to lock secondary scan: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release secondary scan lock", "error", err)
		}
	}()

	defs, err := s.store.ListTimedDefinitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list timed definitions: %w", err)
	}

	now := s.engine.Now()
	started := 0
	for _, def := range defs {
		timing := def.TriggerTiming()
		if timing == nil {
			continue
		}
		from, to, err := triggerWindow(now, timing, s.cfg.SecondaryWindow)
		if err != nil {
			s.logger.Warn("Invalid trigger timing", "definition_id", def.ID, "error", err)
			continue
		}

		appts, err := s.store.FindAppointmentsStarting(ctx, def.TenantID, from, to)
		if err != nil {
			s.logger.Error("Failed to list appointments", "definition_id", def.ID, "error", err)
			continue
		}
		for _, appt := range appts {
			exists, err := s.store.ExistsForAppointment(ctx, def.ID, appt.ID)
			if err != nil {
				s.logger.Error("Failed to check existing instance", "definition_id", def.ID, "appointment_id", appt.ID, "error", err)
				continue
			}
			if exists {
				continue
			}
			if _, err := s.engine.StartInstance(ctx, def, s.appointmentContext(ctx, appt)); err != nil {
				s.logger.Error("Failed to start timed instance", "definition_id", def.ID, "appointment_id", appt.ID, "error", err)
				continue
			}
			started++
		}
	}

	if started > 0 {
		s.logger.Info("Secondary triggers started instances", "count", started)
	}
	return started, nil
}

// appointmentContext seeds a timed instance from the appointment and, when
// it can be found, the patient record.
func (s *Scheduler) appointmentContext(ctx context.Context, appt *models.Appointment) models.ContextData {
	data := models.ContextData{
		models.KeyTenantID:          appt.TenantID,
		models.KeyPatientID:         appt.PatientID,
		models.KeyAppointmentID:     appt.ID,
		models.KeyAppointmentStart:  appt.StartsAt.UTC().Format(time.RFC3339),
		models.KeyAppointmentStatus: appt.Status,
	}
	if appt.DoctorID != nil {
		data[models.KeyDoctorID] = *appt.DoctorID
	}

	patient, err := s.store.GetPatient(ctx, appt.PatientID)
	if err != nil {
		s.logger.Debug("Patient lookup for timed trigger failed", "patient_id", appt.PatientID, "error", err)
		return data
	}
	data[models.KeyPatientName] = patient.Name
	if patient.Email != nil {
		data[models.KeyEmail] = *patient.Email
	}
	if patient.Phone != nil {
		data[models.KeyPhone] = *patient.Phone
		data[models.KeyPatientPhone] = *patient.Phone
	}
	return data
}

// Run drives the scheduler until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", "interval", s.cfg.Interval, "secondary_interval", s.cfg.SecondaryInterval)

	sweepTicker := time.NewTicker(s.cfg.Interval)
	defer sweepTicker.Stop()
	secondaryTicker := time.NewTicker(s.cfg.SecondaryInterval)
	defer secondaryTicker.Stop()
	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	resetWake := func() {
		d := s.cfg.Interval
		if at, ok := s.queue.next(); ok {
			d = at.Sub(s.engine.Now())
			if d < 0 {
				d = 0
			}
		}
		wake.Reset(d)
	}

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("Initial sweep failed", "error", err)
	}
	resetWake()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-sweepTicker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Sweep failed", "error", err)
			}
		case <-secondaryTicker.C:
			if _, err := s.ScanSecondaryTriggers(ctx); err != nil {
				s.logger.Error("Secondary trigger scan failed", "error", err)
			}
		case <-s.queue.notify:
			resetWake()
		case <-wake.C:
			s.fireDue(ctx)
			resetWake()
		}
	}
}
