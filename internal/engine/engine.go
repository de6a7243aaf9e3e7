// Package engine drives workflow instances through their definition graphs.
//
// An instance is advanced synchronously, one node at a time, until it
// suspends on a delay or on an inbound reply, or reaches a terminal status.
// Suspension is persisted state: any replica can pick the instance up again
// through ResumeDelayed or TriggerInputEvent.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"careflow/backend/internal/lock"
	"careflow/backend/internal/observability"
	"careflow/backend/internal/render"
	"careflow/backend/internal/repository"
	"careflow/backend/internal/services"
	"careflow/backend/pkg/models"
)

var (
	// ErrMissingTenant is returned when an event carries no tenant id. No
	// instance is created and the event must not be retried.
	ErrMissingTenant = errors.New("event context has no tenant id")
	// ErrNodeNotFound is returned when an edge or stored position points at
	// a node the definition does not contain.
	ErrNodeNotFound = errors.New("node not found in definition")

	errBusy = errors.New("instance is held by another driver")
)

// Logger is the logging surface the engine needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// WakeNotifier is told whenever an instance is persisted as WAITING.
type WakeNotifier interface {
	Schedule(instanceID string, at time.Time)
}

// Deps are the stores and channel collaborators the engine calls.
type Deps struct {
	Definitions    repository.DefinitionStore
	Instances      repository.InstanceStore
	Communications repository.CommunicationStore
	Appointments   repository.AppointmentStore
	Patients       repository.PatientStore
	Templates      repository.TemplateStore

	Mailer   services.Mailer
	Identity services.IdentityResolver
	SMS      services.TextSender
	WhatsApp services.TextSender
}

// Options tune the engine. Zero values select the defaults.
type Options struct {
	Logger          Logger
	Metrics         *observability.Metrics
	Locker          lock.Locker
	Notifier        WakeNotifier
	Clock           func() time.Time
	MaxSteps        int
	DefaultSenderID string
	TrackingBaseURL string
	LockTTL         time.Duration
	LockWait        time.Duration
}

// Engine is the workflow orchestrator.
type Engine struct {
	deps     Deps
	renderer *render.Renderer

	logger          Logger
	metrics         *observability.Metrics
	locker          lock.Locker
	notifier        WakeNotifier
	now             func() time.Time
	maxSteps        int
	defaultSenderID string
	trackingBaseURL string
	lockTTL         time.Duration
	lockWait        time.Duration
}

// New creates an Engine.
func New(deps Deps, opts Options) *Engine {
	e := &Engine{
		deps:            deps,
		renderer:        render.New(),
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		locker:          opts.Locker,
		notifier:        opts.Notifier,
		now:             opts.Clock,
		maxSteps:        opts.MaxSteps,
		defaultSenderID: opts.DefaultSenderID,
		trackingBaseURL: opts.TrackingBaseURL,
		lockTTL:         opts.LockTTL,
		lockWait:        opts.LockWait,
	}
	if e.logger == nil {
		e.logger = nopLogger{}
	}
	if e.locker == nil {
		e.locker = lock.NewLocalLocker()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.maxSteps <= 0 {
		e.maxSteps = 200
	}
	if e.lockTTL <= 0 {
		e.lockTTL = 30 * time.Second
	}
	if e.lockWait <= 0 {
		e.lockWait = 5 * time.Second
	}
	return e
}

// SetWakeNotifier installs the notifier after construction; the scheduler
// needs the engine before it can be created.
func (e *Engine) SetWakeNotifier(n WakeNotifier) {
	e.notifier = n
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// execution is the state of one synchronous drive of an instance.
type execution struct {
	inst  *models.Instance
	def   *models.Definition
	graph *models.Graph
	steps int
	// resumeDelay makes the first node of the drive pass straight through
	// when it is a Delay whose wake instant has been reached.
	resumeDelay bool
}

func newExecution(inst *models.Instance, def *models.Definition) *execution {
	return &execution{inst: inst, def: def, graph: def.Graph()}
}

// acquire takes the per-instance lock, waiting at most lockWait.
func (e *Engine) acquire(ctx context.Context, instanceID string) (lock.UnlockFunc, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	defer cancel()

	unlock, err := e.locker.Lock(waitCtx, "instance:"+instanceID, e.lockTTL)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			e.metrics.LockConflict()
			return nil, errBusy
		}
		return nil, fmt.Errorf("failed to lock instance %s: %w", instanceID, err)
	}
	return unlock, nil
}

func (e *Engine) release(ctx context.Context, instanceID string, unlock lock.UnlockFunc) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		e.logger.Warn("Failed to release instance lock", "instance_id", instanceID, "error", err)
	}
}

func (e *Engine) save(ctx context.Context, inst *models.Instance) error {
	if err := e.deps.Instances.UpdateInstance(ctx, inst); err != nil {
		return fmt.Errorf("failed to save instance %s: %w", inst.ID, err)
	}
	return nil
}

// appendLog writes an execution log entry. A failed write is reported but
// never interrupts the drive.
func (e *Engine) appendLog(ctx context.Context, instanceID, nodeID string, status models.LogStatus, format string, args ...any) {
	entry := &models.LogEntry{
		InstanceID: instanceID,
		NodeID:     nodeID,
		Status:     status,
		Message:    fmt.Sprintf(format, args...),
		CreatedAt:  e.now().UTC(),
	}
	if err := e.deps.Instances.AppendLog(ctx, entry); err != nil {
		e.logger.Error("Failed to append execution log", "instance_id", instanceID, "status", status, "error", err)
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
