package repository

import (
	"context"
	"testing"
	"time"

	"careflow/backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMemoryStoreMatching(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	defs := []*models.Definition{
		{Name: "all", TenantID: "t1", EventType: models.EventAppointmentCreated, Segment: models.SegmentAll, Active: true},
		{Name: "new", TenantID: "t1", EventType: models.EventAppointmentCreated, Segment: models.SegmentNew, Active: true},
		{Name: "recurring", TenantID: "t1", EventType: models.EventAppointmentCreated, Segment: models.SegmentRecurring, Active: true},
		{Name: "form", TenantID: "t1", EventType: models.EventAppointmentCreated, Segment: models.SegmentAll, FormID: strPtr("f1"), Active: true},
		{Name: "other-tenant", TenantID: "t2", EventType: models.EventAppointmentCreated, Segment: models.SegmentAll, Active: true},
		{Name: "inactive", TenantID: "t1", EventType: models.EventAppointmentCreated, Segment: models.SegmentAll},
	}
	for _, d := range defs {
		require.NoError(t, store.CreateDefinition(ctx, d))
	}

	names := func(q DefinitionQuery) []string {
		got, err := store.FindMatchingDefinitions(ctx, q)
		require.NoError(t, err)
		var out []string
		for _, d := range got {
			out = append(out, d.Name)
		}
		return out
	}

	base := DefinitionQuery{TenantID: "t1", EventType: models.EventAppointmentCreated}

	q := base
	q.Segment = models.SegmentNew
	assert.Equal(t, []string{"all", "new"}, names(q))

	q.Segment = models.SegmentRecurring
	assert.Equal(t, []string{"all", "recurring"}, names(q))

	q.Segment = models.SegmentNew
	q.FormID = "f1"
	assert.Equal(t, []string{"all", "new", "form"}, names(q))
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	inst := &models.Instance{ID: "i1", Status: models.StatusRunning}
	require.NoError(t, store.CreateInstance(ctx, inst))

	a, err := store.GetInstance(ctx, "i1")
	require.NoError(t, err)
	b, err := store.GetInstance(ctx, "i1")
	require.NoError(t, err)

	a.Status = models.StatusCompleted
	require.NoError(t, store.UpdateInstance(ctx, a))

	b.Status = models.StatusFailed
	assert.ErrorIs(t, store.UpdateInstance(ctx, b), ErrVersionConflict)

	got, err := store.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Version)

	assert.ErrorIs(t, store.UpdateInstance(ctx, &models.Instance{ID: "nope"}), ErrNotFound)
}

func TestMemoryStoreDueInstances(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	past := now.Add(-time.Minute)
	earlier := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	require.NoError(t, store.CreateInstance(ctx, &models.Instance{ID: "late", Status: models.StatusWaiting, NextWakeAt: &past}))
	require.NoError(t, store.CreateInstance(ctx, &models.Instance{ID: "early", Status: models.StatusWaiting, NextWakeAt: &earlier}))
	require.NoError(t, store.CreateInstance(ctx, &models.Instance{ID: "future", Status: models.StatusWaiting, NextWakeAt: &future}))
	require.NoError(t, store.CreateInstance(ctx, &models.Instance{ID: "input", Status: models.StatusWaitingForInput}))

	due, err := store.ListDueInstances(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].ID)
	assert.Equal(t, "late", due[1].ID)

	due, err = store.ListDueInstances(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMemoryStoreCopiesOnRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateInstance(ctx, &models.Instance{ID: "i1", Context: models.ContextData{"k": "v"}}))

	got, err := store.GetInstance(ctx, "i1")
	require.NoError(t, err)
	got.Context["k"] = "changed"

	again, err := store.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Context["k"])
}
