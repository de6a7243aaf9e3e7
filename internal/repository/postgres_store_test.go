package repository

import (
	"context"
	"testing"
	"time"

	"careflow/backend/pkg/models"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := NewPostgresStore(pool)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrations are idempotent")

	formID := "intake"
	def := &models.Definition{
		TenantID:  "clinic-1",
		Name:      "Intake follow-up",
		EventType: models.EventFormSubmitted,
		Segment:   models.SegmentNew,
		FormID:    &formID,
		Active:    true,
		Nodes: []models.Node{
			{ID: "start", Data: &models.TriggerNode{Timing: &models.TriggerTiming{Direction: models.DirectionBefore, Amount: 1, Unit: models.UnitDays}}},
			{ID: "mail", Data: &models.ActionNode{Channel: models.ChannelEmail, Message: "hello"}},
		},
		Edges: []models.Edge{{Source: "start", Target: "mail"}},
	}
	require.NoError(t, store.CreateDefinition(ctx, def))

	t.Run("Definitions", func(t *testing.T) {
		got, err := store.GetDefinition(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, def.Nodes, got.Nodes)
		assert.Equal(t, def.Edges, got.Edges)

		matches, err := store.FindMatchingDefinitions(ctx, DefinitionQuery{
			TenantID: "clinic-1", EventType: models.EventFormSubmitted, Segment: models.SegmentNew, FormID: "intake",
		})
		require.NoError(t, err)
		assert.Len(t, matches, 1)

		matches, err = store.FindMatchingDefinitions(ctx, DefinitionQuery{
			TenantID: "clinic-1", EventType: models.EventFormSubmitted, Segment: models.SegmentNew, FormID: "other",
		})
		require.NoError(t, err)
		assert.Empty(t, matches)

		timed, err := store.ListTimedDefinitions(ctx)
		require.NoError(t, err)
		assert.Len(t, timed, 1)

		_, err = store.GetDefinition(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Instances", func(t *testing.T) {
		node := "mail"
		appt := "appt-1"
		inst := &models.Instance{
			DefinitionID:  def.ID,
			TenantID:      "clinic-1",
			PatientID:     "patient-1",
			AppointmentID: &appt,
			Status:        models.StatusRunning,
			CurrentNodeID: &node,
			Context:       models.ContextData{"patientName": "Ada"},
		}
		require.NoError(t, store.CreateInstance(ctx, inst))
		assert.Equal(t, 1, inst.Version)

		stale, err := store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)

		wake := time.Now().Add(-time.Minute).UTC()
		inst.Status = models.StatusWaiting
		inst.NextWakeAt = &wake
		require.NoError(t, store.UpdateInstance(ctx, inst))
		assert.Equal(t, 2, inst.Version)

		stale.Status = models.StatusFailed
		assert.ErrorIs(t, store.UpdateInstance(ctx, stale), ErrVersionConflict)

		due, err := store.ListDueInstances(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "Ada", due[0].Context["patientName"])

		exists, err := store.ExistsForAppointment(ctx, def.ID, "appt-1")
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, store.AppendLog(ctx, &models.LogEntry{InstanceID: inst.ID, NodeID: "start", Status: models.LogTriggered}))
		require.NoError(t, store.AppendLog(ctx, &models.LogEntry{InstanceID: inst.ID, NodeID: "mail", Status: models.LogWaiting}))
		logs, err := store.ListLogs(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, models.LogTriggered, logs[0].Status)
	})

	t.Run("Collaborators", func(t *testing.T) {
		_, err := pool.Exec(ctx, `INSERT INTO appointments (id, tenant_id, patient_id, starts_at, status)
			VALUES ('a-1', 'clinic-1', 'patient-1', now() + interval '1 hour', 'scheduled')`)
		require.NoError(t, err)

		appts, err := store.FindAppointmentsStarting(ctx, "clinic-1", time.Now(), time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, appts, 1)

		require.NoError(t, store.UpdateAppointmentStatus(ctx, "a-1", models.AppointmentCancelled))
		appts, err = store.FindAppointmentsStarting(ctx, "clinic-1", time.Now(), time.Now().Add(2*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, appts)

		assert.ErrorIs(t, store.UpdateAppointmentStatus(ctx, "nope", models.AppointmentCancelled), ErrNotFound)

		tenant := &models.Tenant{ID: "clinic-1", Name: "Clinic", Domain: "clinic.example.com"}
		require.NoError(t, store.UpsertTenant(ctx, tenant))
		tenant.Name = "Renamed clinic"
		require.NoError(t, store.UpsertTenant(ctx, tenant))
		got, err := store.GetTenantByDomain(ctx, "clinic.example.com")
		require.NoError(t, err)
		assert.Equal(t, "Renamed clinic", got.Name)

		require.NoError(t, store.UpsertTemplate(ctx, &models.Template{ID: "tpl-1", TenantID: "clinic-1", Subject: "Hi {{patientName}}"}))
		tpl, err := store.GetTemplate(ctx, "tpl-1")
		require.NoError(t, err)
		assert.Equal(t, "Hi {{patientName}}", tpl.Subject)

		require.NoError(t, store.RecordCommunication(ctx, &models.Communication{
			TenantID: "clinic-1", Channel: models.ChannelSMS, Direction: models.DirectionOutbound, Status: models.DeliverySent,
		}))
	})
}
