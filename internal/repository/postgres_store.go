package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"careflow/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// PostgresStore is a PostgreSQL implementation of Repository.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables the service needs. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func nullIfEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const definitionColumns = `id, tenant_id, name, event_type, segment, form_id, tracking_filter, nodes, edges, active, created_at, updated_at`

// CreateDefinition saves a new definition.
func (s *PostgresStore) CreateDefinition(ctx context.Context, def *models.Definition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.Segment == "" {
		def.Segment = models.SegmentAll
	}
	nodes, err := json.Marshal(def.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}
	edges, err := json.Marshal(def.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}
	now := time.Now().UTC()
	def.CreatedAt, def.UpdatedAt = now, now

	_, err = s.db.Exec(ctx, `INSERT INTO workflow_definitions
		(id, tenant_id, name, event_type, segment, form_id, tracking_filter, nodes, edges, has_timing, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		def.ID, def.TenantID, def.Name, def.EventType, def.Segment, nullIfEmpty(def.FormID), nullIfEmpty(def.TrackingFilter),
		nodes, edges, def.TriggerTiming() != nil, def.Active, def.CreatedAt, def.UpdatedAt)
	return err
}

func scanDefinition(row pgx.Row) (*models.Definition, error) {
	var (
		def          models.Definition
		nodes, edges []byte
	)
	err := row.Scan(&def.ID, &def.TenantID, &def.Name, &def.EventType, &def.Segment, &def.FormID, &def.TrackingFilter,
		&nodes, &edges, &def.Active, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(nodes, &def.Nodes); err != nil {
		return nil, fmt.Errorf("definition %s: %w", def.ID, err)
	}
	if err := json.Unmarshal(edges, &def.Edges); err != nil {
		return nil, fmt.Errorf("definition %s: %w", def.ID, err)
	}
	return &def, nil
}

func collectDefinitions(rows pgx.Rows) ([]*models.Definition, error) {
	defer rows.Close()

	var defs []*models.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// GetDefinition retrieves a definition by its ID.
func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (*models.Definition, error) {
	def, err := scanDefinition(s.db.QueryRow(ctx, "SELECT "+definitionColumns+" FROM workflow_definitions WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err)
	}
	return def, nil
}

// FindMatchingDefinitions returns active definitions matching q, oldest first.
func (s *PostgresStore) FindMatchingDefinitions(ctx context.Context, q DefinitionQuery) ([]*models.Definition, error) {
	rows, err := s.db.Query(ctx, "SELECT "+definitionColumns+` FROM workflow_definitions
		WHERE active
		  AND tenant_id = $1
		  AND event_type = $2
		  AND (segment = 'ALL' OR segment = $3)
		  AND (form_id IS NULL OR form_id = $4)
		  AND (tracking_filter IS NULL OR tracking_filter = $5)
		ORDER BY created_at, id`,
		q.TenantID, q.EventType, q.Segment, q.FormID, q.TrackingValue)
	if err != nil {
		return nil, err
	}
	return collectDefinitions(rows)
}

// ListTimedDefinitions returns active definitions with a secondary trigger.
func (s *PostgresStore) ListTimedDefinitions(ctx context.Context) ([]*models.Definition, error) {
	rows, err := s.db.Query(ctx, "SELECT "+definitionColumns+" FROM workflow_definitions WHERE active AND has_timing ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	return collectDefinitions(rows)
}

const instanceColumns = `id, definition_id, tenant_id, patient_id, appointment_id, status, current_node_id, context, next_wake_at, version, created_at, updated_at`

// CreateInstance saves a new instance with version 1.
func (s *PostgresStore) CreateInstance(ctx context.Context, inst *models.Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	data, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	now := time.Now().UTC()
	inst.CreatedAt, inst.UpdatedAt = now, now
	inst.Version = 1

	_, err = s.db.Exec(ctx, "INSERT INTO workflow_instances ("+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inst.ID, inst.DefinitionID, inst.TenantID, inst.PatientID, nullIfEmpty(inst.AppointmentID), inst.Status,
		inst.CurrentNodeID, data, inst.NextWakeAt, inst.Version, inst.CreatedAt, inst.UpdatedAt)
	return err
}

func scanInstance(row pgx.Row) (*models.Instance, error) {
	var (
		inst models.Instance
		data []byte
	)
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.TenantID, &inst.PatientID, &inst.AppointmentID, &inst.Status,
		&inst.CurrentNodeID, &data, &inst.NextWakeAt, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &inst.Context); err != nil {
		return nil, fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	if inst.Context == nil {
		inst.Context = models.ContextData{}
	}
	return &inst, nil
}

func collectInstances(rows pgx.Rows) ([]*models.Instance, error) {
	defer rows.Close()

	var out []*models.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// GetInstance retrieves an instance by its ID.
func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	inst, err := scanInstance(s.db.QueryRow(ctx, "SELECT "+instanceColumns+" FROM workflow_instances WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err)
	}
	return inst, nil
}

// UpdateInstance performs a compare-and-set on the instance version.
func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	data, err := json.Marshal(inst.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}
	now := time.Now().UTC()

	tag, err := s.db.Exec(ctx, `UPDATE workflow_instances
		SET status = $1, current_node_id = $2, context = $3, next_wake_at = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7`,
		inst.Status, inst.CurrentNodeID, data, inst.NextWakeAt, now, inst.ID, inst.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)", inst.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	inst.Version++
	inst.UpdatedAt = now
	return nil
}

// ListDueInstances returns WAITING instances whose wake time has passed.
func (s *PostgresStore) ListDueInstances(ctx context.Context, now time.Time, limit int) ([]*models.Instance, error) {
	rows, err := s.db.Query(ctx, "SELECT "+instanceColumns+` FROM workflow_instances
		WHERE status = $1 AND next_wake_at <= $2
		ORDER BY next_wake_at
		LIMIT $3`, models.StatusWaiting, now, limit)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

// ListWaitingForInput returns the patient's instances suspended on a reply.
func (s *PostgresStore) ListWaitingForInput(ctx context.Context, patientID string) ([]*models.Instance, error) {
	rows, err := s.db.Query(ctx, "SELECT "+instanceColumns+` FROM workflow_instances
		WHERE status = $1 AND patient_id = $2
		ORDER BY created_at`, models.StatusWaitingForInput, patientID)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

// ExistsForAppointment reports whether the pair already produced an instance.
func (s *PostgresStore) ExistsForAppointment(ctx context.Context, definitionID, appointmentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM workflow_instances WHERE definition_id = $1 AND appointment_id = $2)`,
		definitionID, appointmentID).Scan(&exists)
	return exists, err
}

// AppendLog appends an execution log entry.
func (s *PostgresStore) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `INSERT INTO workflow_execution_logs (id, instance_id, node_id, status, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.InstanceID, entry.NodeID, entry.Status, entry.Message, entry.CreatedAt)
	return err
}

// ListLogs returns an instance's log in insertion order.
func (s *PostgresStore) ListLogs(ctx context.Context, instanceID string) ([]*models.LogEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT id, instance_id, node_id, status, message, created_at
		FROM workflow_execution_logs WHERE instance_id = $1 ORDER BY seq`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.NodeID, &e.Status, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RecordCommunication writes one communication audit record.
func (s *PostgresStore) RecordCommunication(ctx context.Context, c *models.Communication) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `INSERT INTO communications
		(id, tenant_id, instance_id, node_id, patient_id, channel, direction, status, recipient, subject, content, tier, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.TenantID, c.InstanceID, c.NodeID, c.PatientID, c.Channel, c.Direction, c.Status,
		c.Recipient, c.Subject, c.Content, c.Tier, c.Error, c.CreatedAt)
	return err
}

// GetAppointment retrieves an appointment by its ID.
func (s *PostgresStore) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	var a models.Appointment
	err := s.db.QueryRow(ctx, `SELECT id, tenant_id, patient_id, doctor_id, starts_at, status FROM appointments WHERE id = $1`, id).
		Scan(&a.ID, &a.TenantID, &a.PatientID, &a.DoctorID, &a.StartsAt, &a.Status)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// UpdateAppointmentStatus sets an appointment's status.
func (s *PostgresStore) UpdateAppointmentStatus(ctx context.Context, id, status string) error {
	tag, err := s.db.Exec(ctx, "UPDATE appointments SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindAppointmentsStarting returns non-cancelled appointments starting in [from, to).
func (s *PostgresStore) FindAppointmentsStarting(ctx context.Context, tenantID string, from, to time.Time) ([]*models.Appointment, error) {
	rows, err := s.db.Query(ctx, `SELECT id, tenant_id, patient_id, doctor_id, starts_at, status FROM appointments
		WHERE tenant_id = $1 AND starts_at >= $2 AND starts_at < $3 AND status <> $4
		ORDER BY starts_at`, tenantID, from, to, models.AppointmentCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Appointment
	for rows.Next() {
		var a models.Appointment
		if err := rows.Scan(&a.ID, &a.TenantID, &a.PatientID, &a.DoctorID, &a.StartsAt, &a.Status); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetPatient retrieves a patient by its ID.
func (s *PostgresStore) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	var p models.Patient
	err := s.db.QueryRow(ctx, `SELECT id, tenant_id, name, email, phone, tags FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.TenantID, &p.Name, &p.Email, &p.Phone, &p.Tags)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// GetTemplate retrieves a message template by its ID.
func (s *PostgresStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var t models.Template
	err := s.db.QueryRow(ctx, `SELECT id, tenant_id, subject, body_html, body_text FROM message_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.TenantID, &t.Subject, &t.BodyHTML, &t.BodyText)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// GetTenantByDomain resolves a tenant from its email domain.
func (s *PostgresStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRow(ctx, `SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = $1`, domain).
		Scan(&t.ID, &t.Name, &t.Domain, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// UpsertTenant creates the tenant or updates its name and domain.
func (s *PostgresStore) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO tenants (id, name, domain) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, domain = EXCLUDED.domain, updated_at = now()
		RETURNING created_at, updated_at`, t.ID, t.Name, t.Domain).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

// UpsertTemplate creates or replaces a message template.
func (s *PostgresStore) UpsertTemplate(ctx context.Context, t *models.Template) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO message_templates (id, tenant_id, subject, body_html, body_text) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET subject = EXCLUDED.subject, body_html = EXCLUDED.body_html, body_text = EXCLUDED.body_text`,
		t.ID, t.TenantID, t.Subject, t.BodyHTML, t.BodyText)
	if err != nil {
		return fmt.Errorf("failed to upsert template: %w", err)
	}
	return nil
}
