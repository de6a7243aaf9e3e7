package main

import (
	"context"
	"testing"

	"careflow/backend/internal/logging"
	"careflow/backend/internal/repository"
	"careflow/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySeedStore adds the tenant and template upserts to MemoryStore.
type memorySeedStore struct {
	*repository.MemoryStore
	tenants   []string
	templates []string
}

func (m *memorySeedStore) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	m.PutTenant(t)
	m.tenants = append(m.tenants, t.ID)
	return nil
}

func (m *memorySeedStore) UpsertTemplate(ctx context.Context, t *models.Template) error {
	m.PutTemplate(t)
	m.templates = append(m.templates, t.ID)
	return nil
}

func TestSampleSeedParses(t *testing.T) {
	f, err := parseSeed(sampleSeed)
	require.NoError(t, err)
	require.Len(t, f.Definitions, 2)

	def, err := f.Definitions[0].definition()
	require.NoError(t, err)
	assert.True(t, def.Active)
	assert.Equal(t, models.SegmentAll, def.Segment)

	reply, ok := def.Graph().Node("reply")
	require.True(t, ok)
	wait, ok := reply.Data.(*models.WaitForInputNode)
	require.True(t, ok)
	assert.Equal(t, "cancel-appt", wait.Branches["cancel"])

	timed, err := f.Definitions[1].definition()
	require.NoError(t, err)
	require.NotNil(t, timed.TriggerTiming())
	assert.Equal(t, models.DirectionAfter, timed.TriggerTiming().Direction)
}

func TestParseSeedRejectsInvalidGraph(t *testing.T) {
	_, err := parseSeed([]byte(`
definitions:
  - id: broken
    tenant_id: t1
    nodes:
      - {id: a, kind: action, data: {channel: sms}}
`))
	assert.ErrorIs(t, err, models.ErrNoTrigger)

	_, err = parseSeed([]byte(`
definitions:
  - id: bad-edge
    tenant_id: t1
    nodes:
      - {id: start, kind: trigger}
    edges:
      - {source: start, target: nowhere}
`))
	assert.Error(t, err)

	_, err = parseSeed([]byte("tenants: [{name: x}]"))
	assert.Error(t, err)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f, err := parseSeed(sampleSeed)
	require.NoError(t, err)

	store := &memorySeedStore{MemoryStore: repository.NewMemoryStore()}
	require.NoError(t, apply(ctx, store, f, logging.NewNop()))
	require.NoError(t, apply(ctx, store, f, logging.NewNop()))

	assert.Equal(t, []string{"clinic-local", "clinic-local"}, store.tenants)

	def, err := store.GetDefinition(ctx, "booking-confirmation")
	require.NoError(t, err)
	assert.Equal(t, "clinic-local", def.TenantID)

	matches, err := store.FindMatchingDefinitions(ctx, repository.DefinitionQuery{
		TenantID: "clinic-local", EventType: models.EventAppointmentCreated, Segment: models.SegmentNew,
	})
	require.NoError(t, err)
	assert.Len(t, matches, 1, "second apply must not duplicate definitions")
}
