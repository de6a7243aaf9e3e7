package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"careflow/backend/internal/engine"
	"careflow/backend/internal/lock"
	"careflow/backend/internal/logging"
	"careflow/backend/internal/repository"
	"careflow/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store  *repository.MemoryStore
	clock  *fakeClock
	engine *engine.Engine
	sched  *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	locker := lock.NewLocalLocker()
	eng := engine.New(engine.Deps{
		Definitions:    store,
		Instances:      store,
		Communications: store,
		Appointments:   store,
		Patients:       store,
		Templates:      store,
	}, engine.Options{Clock: clock.Now, Locker: locker, Logger: logging.NewNop()})
	sched := New(eng, store, locker, cfg, logging.NewNop(), nil)
	eng.SetWakeNotifier(sched)
	return &fixture{store: store, clock: clock, engine: eng, sched: sched}
}

func (f *fixture) define(t *testing.T, def *models.Definition) *models.Definition {
	t.Helper()
	def.TenantID = "clinic-1"
	def.Active = true
	if def.Segment == "" {
		def.Segment = models.SegmentAll
	}
	require.NoError(t, f.store.CreateDefinition(context.Background(), def))
	return def
}

func delayDefinition() *models.Definition {
	return &models.Definition{
		Name:      "follow-up",
		EventType: models.EventAppointmentCreated,
		Nodes: []models.Node{
			{ID: "start", Data: &models.TriggerNode{}},
			{ID: "wait", Data: &models.DelayNode{Mode: models.DelayFixed, Amount: 30, Unit: models.UnitMinutes}},
			{ID: "hold", Data: &models.WaitForInputNode{}},
		},
		Edges: []models.Edge{{Source: "start", Target: "wait"}, {Source: "wait", Target: "hold"}},
	}
}

func TestWakeQueueOrdering(t *testing.T) {
	q := newWakeQueue()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	q.push("c", base.Add(3*time.Minute))
	q.push("a", base.Add(1*time.Minute))
	q.push("b", base.Add(2*time.Minute))
	q.push("a", base.Add(4*time.Minute))
	assert.Equal(t, 3, q.len())

	next, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, base.Add(2*time.Minute), next)

	assert.Equal(t, []string{"b"}, q.popDue(base.Add(150*time.Second)))
	assert.Equal(t, []string{"c", "a"}, q.popDue(base.Add(time.Hour)))
	assert.Empty(t, q.popDue(base.Add(time.Hour)))

	_, ok = q.next()
	assert.False(t, ok)
}

func TestSweepResumesDueInstances(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2})
	f.define(t, delayDefinition())

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		started, err := f.engine.TriggerEvent(ctx, models.EventAppointmentCreated, models.ContextData{
			models.KeyTenantID:  "clinic-1",
			models.KeyPatientID: "patient-1",
		})
		require.NoError(t, err)
		require.Len(t, started, 1)
		ids = append(ids, started[0].ID)
	}

	resumed, err := f.sched.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, resumed)

	f.clock.Advance(30 * time.Minute)
	resumed, err = f.sched.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, resumed)

	for _, id := range ids {
		inst, err := f.store.GetInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusWaitingForInput, inst.Status)
		assert.Equal(t, "hold", inst.CurrentNode())
	}

	resumed, err = f.sched.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, resumed, "resumed instances are no longer due")
}

func TestWakeQueueFiresAtExactTime(t *testing.T) {
	f := newFixture(t, Config{})
	f.define(t, delayDefinition())

	ctx := context.Background()
	started, err := f.engine.TriggerEvent(ctx, models.EventAppointmentCreated, models.ContextData{
		models.KeyTenantID:  "clinic-1",
		models.KeyPatientID: "patient-1",
	})
	require.NoError(t, err)
	id := started[0].ID

	at, ok := f.sched.queue.next()
	require.True(t, ok, "engine registers the wake with the scheduler")
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), at)

	f.sched.fireDue(ctx)
	inst, err := f.store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, inst.Status)

	f.clock.Advance(30 * time.Minute)
	f.sched.fireDue(ctx)
	inst, err = f.store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingForInput, inst.Status)
	assert.Zero(t, f.sched.queue.len())
}

func TestTriggerWindow(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

	from, to, err := triggerWindow(now, &models.TriggerTiming{Direction: models.DirectionBefore, Amount: 1, Unit: models.UnitDays}, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour-5*time.Minute), from)
	assert.Equal(t, now.Add(24*time.Hour), to)

	from, to, err = triggerWindow(now, &models.TriggerTiming{Direction: models.DirectionAfter, Amount: 2, Unit: models.UnitHours}, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour-5*time.Minute), from)
	assert.Equal(t, now.Add(-2*time.Hour), to)

	_, _, err = triggerWindow(now, &models.TriggerTiming{Direction: models.DirectionBefore, Amount: 1, Unit: "fortnights"}, time.Minute)
	assert.Error(t, err)
}

func TestScanSecondaryTriggersIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{SecondaryInterval: time.Minute, SecondaryWindow: 5 * time.Minute})
	def := f.define(t, &models.Definition{
		Name:      "day-before reminder",
		EventType: models.EventAppointmentReminder,
		Nodes: []models.Node{
			{ID: "start", Data: &models.TriggerNode{Timing: &models.TriggerTiming{Direction: models.DirectionBefore, Amount: 1, Unit: models.UnitDays}}},
			{ID: "hold", Data: &models.WaitForInputNode{}},
		},
		Edges: []models.Edge{{Source: "start", Target: "hold"}},
	})

	email := "ada@example.com"
	f.store.PutPatient(&models.Patient{ID: "patient-1", TenantID: "clinic-1", Name: "Ada", Email: &email})
	now := f.clock.Now()
	f.store.PutAppointment(&models.Appointment{ID: "due", TenantID: "clinic-1", PatientID: "patient-1", StartsAt: now.Add(24*time.Hour - time.Minute), Status: models.AppointmentScheduled})
	f.store.PutAppointment(&models.Appointment{ID: "later", TenantID: "clinic-1", PatientID: "patient-1", StartsAt: now.Add(48 * time.Hour), Status: models.AppointmentScheduled})
	f.store.PutAppointment(&models.Appointment{ID: "cancelled", TenantID: "clinic-1", PatientID: "patient-1", StartsAt: now.Add(24*time.Hour - 2*time.Minute), Status: models.AppointmentCancelled})
	f.store.PutAppointment(&models.Appointment{ID: "other-tenant", TenantID: "clinic-2", PatientID: "patient-9", StartsAt: now.Add(24*time.Hour - time.Minute), Status: models.AppointmentScheduled})

	ctx := context.Background()
	started, err := f.sched.ScanSecondaryTriggers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)

	f.clock.Advance(time.Minute)
	started, err = f.sched.ScanSecondaryTriggers(ctx)
	require.NoError(t, err)
	assert.Zero(t, started, "overlapping window must not start the pair twice")

	instances := f.store.Instances()
	require.Len(t, instances, 1)
	inst := instances[0]
	assert.Equal(t, def.ID, inst.DefinitionID)
	assert.Equal(t, "due", inst.Appointment())
	assert.Equal(t, "Ada", inst.Context[models.KeyPatientName])
	assert.Equal(t, email, inst.Context[models.KeyEmail])
	assert.Equal(t, models.StatusWaitingForInput, inst.Status)
}

func TestScanSkipsWhenAnotherReplicaHoldsTheLock(t *testing.T) {
	f := newFixture(t, Config{})
	unlock, err := f.sched.locker.Lock(context.Background(), secondaryLockKey, time.Minute)
	require.NoError(t, err)
	defer unlock(context.Background())

	started, err := f.sched.ScanSecondaryTriggers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, started)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour, SecondaryInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
