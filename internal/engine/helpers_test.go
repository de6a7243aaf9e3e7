package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"careflow/backend/internal/repository"
	"careflow/backend/internal/services"
	"careflow/backend/pkg/models"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) Send(ctx context.Context, senderID string, msg services.Email) error {
	args := m.Called(ctx, senderID, msg)
	return args.Error(0)
}

type mockTextSender struct {
	mock.Mock
}

func (m *mockTextSender) Send(ctx context.Context, from, to, body string) error {
	args := m.Called(ctx, from, to, body)
	return args.Error(0)
}

type stubIdentity struct{}

func (stubIdentity) Resolve(ctx context.Context, senderID string) (*services.Identity, error) {
	return &services.Identity{From: "+1000", Tier: "shared"}, nil
}

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

type recordingNotifier struct {
	mu    sync.Mutex
	wakes map[string]time.Time
}

func (n *recordingNotifier) Schedule(id string, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.wakes == nil {
		n.wakes = make(map[string]time.Time)
	}
	n.wakes[id] = at
}

type harness struct {
	engine   *Engine
	store    *repository.MemoryStore
	mailer   *mockMailer
	sms      *mockTextSender
	whatsapp *mockTextSender
	clock    *fakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	h := &harness{
		store:    store,
		mailer:   new(mockMailer),
		sms:      new(mockTextSender),
		whatsapp: new(mockTextSender),
		clock:    &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
	}
	opts := Options{
		Clock:           h.clock.Now,
		DefaultSenderID: "clinic-default",
		Notifier:        h.notifier,
	}
	for _, f := range configure {
		f(&opts)
	}
	h.engine = New(Deps{
		Definitions:    store,
		Instances:      store,
		Communications: store,
		Appointments:   store,
		Patients:       store,
		Templates:      store,
		Mailer:         h.mailer,
		Identity:       stubIdentity{},
		SMS:            h.sms,
		WhatsApp:       h.whatsapp,
	}, opts)
	return h
}

const tenant = "clinic-1"

func n(id string, data models.NodeData) models.Node {
	return models.Node{ID: id, Data: data}
}

func chain(ids ...string) []models.Edge {
	var edges []models.Edge
	for i := 0; i+1 < len(ids); i++ {
		edges = append(edges, models.Edge{Source: ids[i], Target: ids[i+1]})
	}
	return edges
}

func (h *harness) define(t *testing.T, name string, event models.EventType, nodes []models.Node, edges []models.Edge) *models.Definition {
	t.Helper()
	def := &models.Definition{
		TenantID:  tenant,
		Name:      name,
		EventType: event,
		Segment:   models.SegmentAll,
		Nodes:     nodes,
		Edges:     edges,
		Active:    true,
	}
	require.NoError(t, h.store.CreateDefinition(context.Background(), def))
	return def
}

func (h *harness) instance(t *testing.T, id string) *models.Instance {
	t.Helper()
	inst, err := h.store.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (h *harness) logStatuses(t *testing.T, id string) []models.LogStatus {
	t.Helper()
	logs, err := h.store.ListLogs(context.Background(), id)
	require.NoError(t, err)
	out := make([]models.LogStatus, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Status)
	}
	return out
}

func patientContext(extra models.ContextData) models.ContextData {
	data := models.ContextData{
		models.KeyTenantID:    tenant,
		models.KeyPatientID:   "patient-1",
		models.KeyPatientName: "Ada",
		models.KeyEmail:       "ada@example.com",
		models.KeyPhone:       "+15550001",
	}
	return data.Merge(extra)
}
