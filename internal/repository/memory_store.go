package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"careflow/backend/pkg/models"

	"github.com/google/uuid"
)

// MemoryStore implements Repository in memory. Safe for concurrent use.
// Instances are copied on every read and write so callers cannot mutate
// stored state through a pointer, matching what a database round trip does.
type MemoryStore struct {
	mu             sync.RWMutex
	definitions    []*models.Definition
	instances      map[string]*models.Instance
	logs           map[string][]*models.LogEntry
	communications []*models.Communication
	appointments   map[string]*models.Appointment
	patients       map[string]*models.Patient
	templates      map[string]*models.Template
	tenants        map[string]*models.Tenant
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:    make(map[string]*models.Instance),
		logs:         make(map[string][]*models.LogEntry),
		appointments: make(map[string]*models.Appointment),
		patients:     make(map[string]*models.Patient),
		templates:    make(map[string]*models.Template),
		tenants:      make(map[string]*models.Tenant),
	}
}

func copyInstance(inst *models.Instance) *models.Instance {
	c := *inst
	c.Context = inst.Context.Clone()
	if inst.CurrentNodeID != nil {
		id := *inst.CurrentNodeID
		c.CurrentNodeID = &id
	}
	if inst.NextWakeAt != nil {
		t := *inst.NextWakeAt
		c.NextWakeAt = &t
	}
	if inst.AppointmentID != nil {
		id := *inst.AppointmentID
		c.AppointmentID = &id
	}
	return &c
}

func matchOptional(filter *string, value string) bool {
	return filter == nil || *filter == "" || *filter == value
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// CreateDefinition saves a new definition.
func (s *MemoryStore) CreateDefinition(ctx context.Context, def *models.Definition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.Segment == "" {
		def.Segment = models.SegmentAll
	}
	now := time.Now().UTC()
	def.CreatedAt, def.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *def
	s.definitions = append(s.definitions, &stored)
	return nil
}

// GetDefinition retrieves a definition by its ID.
func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*models.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.definitions {
		if d.ID == id {
			c := *d
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// FindMatchingDefinitions returns active definitions matching q in insertion order.
func (s *MemoryStore) FindMatchingDefinitions(ctx context.Context, q DefinitionQuery) ([]*models.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Definition
	for _, d := range s.definitions {
		if !d.Active || d.TenantID != q.TenantID || d.EventType != q.EventType {
			continue
		}
		if d.Segment != models.SegmentAll && d.Segment != q.Segment {
			continue
		}
		if !matchOptional(d.FormID, q.FormID) || !matchOptional(d.TrackingFilter, q.TrackingValue) {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

// ListTimedDefinitions returns active definitions with a secondary trigger.
func (s *MemoryStore) ListTimedDefinitions(ctx context.Context) ([]*models.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Definition
	for _, d := range s.definitions {
		if d.Active && d.TriggerTiming() != nil {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

// CreateInstance saves a new instance with version 1.
func (s *MemoryStore) CreateInstance(ctx context.Context, inst *models.Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Context == nil {
		inst.Context = models.ContextData{}
	}
	now := time.Now().UTC()
	inst.CreatedAt, inst.UpdatedAt = now, now
	inst.Version = 1

	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

// GetInstance retrieves an instance by its ID.
func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInstance(inst), nil
}

// UpdateInstance performs a compare-and-set on the instance version.
func (s *MemoryStore) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != inst.Version {
		return ErrVersionConflict
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (s *MemoryStore) sortedInstances(keep func(*models.Instance) bool) []*models.Instance {
	var out []*models.Instance
	for _, inst := range s.instances {
		if keep(inst) {
			out = append(out, copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListDueInstances returns WAITING instances whose wake time has passed.
func (s *MemoryStore) ListDueInstances(ctx context.Context, now time.Time, limit int) ([]*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.sortedInstances(func(inst *models.Instance) bool {
		return inst.Status == models.StatusWaiting && inst.NextWakeAt != nil && !inst.NextWakeAt.After(now)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextWakeAt.Before(*out[j].NextWakeAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListWaitingForInput returns the patient's instances suspended on a reply.
func (s *MemoryStore) ListWaitingForInput(ctx context.Context, patientID string) ([]*models.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedInstances(func(inst *models.Instance) bool {
		return inst.Status == models.StatusWaitingForInput && inst.PatientID == patientID
	}), nil
}

// ExistsForAppointment reports whether the pair already produced an instance.
func (s *MemoryStore) ExistsForAppointment(ctx context.Context, definitionID, appointmentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.instances {
		if inst.DefinitionID == definitionID && inst.Appointment() == appointmentID {
			return true, nil
		}
	}
	return false, nil
}

// AppendLog appends an execution log entry.
func (s *MemoryStore) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	s.logs[entry.InstanceID] = append(s.logs[entry.InstanceID], &e)
	return nil
}

// ListLogs returns an instance's log in insertion order.
func (s *MemoryStore) ListLogs(ctx context.Context, instanceID string) ([]*models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.LogEntry, 0, len(s.logs[instanceID]))
	for _, e := range s.logs[instanceID] {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// RecordCommunication writes one communication audit record.
func (s *MemoryStore) RecordCommunication(ctx context.Context, c *models.Communication) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *c
	s.communications = append(s.communications, &rec)
	return nil
}

// Communications returns every recorded communication.
func (s *MemoryStore) Communications() []*models.Communication {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Communication, len(s.communications))
	copy(out, s.communications)
	return out
}

// Instances returns every stored instance, oldest first.
func (s *MemoryStore) Instances() []*models.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedInstances(func(*models.Instance) bool { return true })
}

// PutAppointment stores or replaces an appointment.
func (s *MemoryStore) PutAppointment(a *models.Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	s.appointments[a.ID] = &c
}

// PutPatient stores or replaces a patient.
func (s *MemoryStore) PutPatient(p *models.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.patients[p.ID] = &c
}

// PutTemplate stores or replaces a template.
func (s *MemoryStore) PutTemplate(t *models.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.templates[t.ID] = &c
}

// PutTenant stores or replaces a tenant.
func (s *MemoryStore) PutTenant(t *models.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.tenants[t.Domain] = &c
}

// GetAppointment retrieves an appointment by its ID.
func (s *MemoryStore) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

// UpdateAppointmentStatus sets an appointment's status.
func (s *MemoryStore) UpdateAppointmentStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

// FindAppointmentsStarting returns non-cancelled appointments starting in [from, to).
func (s *MemoryStore) FindAppointmentsStarting(ctx context.Context, tenantID string, from, to time.Time) ([]*models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Appointment
	for _, a := range s.appointments {
		if a.TenantID != tenantID || a.Status == models.AppointmentCancelled {
			continue
		}
		if a.StartsAt.Before(from) || !a.StartsAt.Before(to) {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

// GetPatient retrieves a patient by its ID.
func (s *MemoryStore) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// GetTemplate retrieves a message template by its ID.
func (s *MemoryStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

// GetTenantByDomain resolves a tenant from its email domain.
func (s *MemoryStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[domain]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}
