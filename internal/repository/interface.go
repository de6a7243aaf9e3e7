package repository

import (
	"context"
	"errors"
	"time"

	"careflow/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when an instance was modified by another
	// driver since it was loaded.
	ErrVersionConflict = errors.New("instance version conflict")
)

// DefinitionQuery selects the definitions an event starts.
type DefinitionQuery struct {
	TenantID  string
	EventType models.EventType
	Segment   models.PatientSegment
	// FormID, when set, also matches definitions bound to that form.
	// Definitions without a form filter always match.
	FormID string
	// TrackingValue, when set, also matches definitions whose tracking filter
	// equals it. Definitions without a tracking filter always match.
	TrackingValue string
}

// DefinitionStore reads workflow definitions.
type DefinitionStore interface {
	// CreateDefinition saves a new definition.
	CreateDefinition(ctx context.Context, def *models.Definition) error
	// GetDefinition retrieves a definition by its ID.
	GetDefinition(ctx context.Context, id string) (*models.Definition, error)
	// FindMatchingDefinitions returns active definitions matching q, oldest first.
	FindMatchingDefinitions(ctx context.Context, q DefinitionQuery) ([]*models.Definition, error)
	// ListTimedDefinitions returns active definitions whose trigger declares a
	// secondary timing.
	ListTimedDefinitions(ctx context.Context) ([]*models.Definition, error)
}

// InstanceStore persists workflow instances and their execution log.
type InstanceStore interface {
	// CreateInstance saves a new instance with version 1.
	CreateInstance(ctx context.Context, inst *models.Instance) error
	// GetInstance retrieves an instance by its ID.
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	// UpdateInstance writes inst if its version still matches the stored one
	// and increments inst.Version. Returns ErrVersionConflict otherwise.
	UpdateInstance(ctx context.Context, inst *models.Instance) error
	// ListDueInstances returns WAITING instances whose wake time is at or before now.
	ListDueInstances(ctx context.Context, now time.Time, limit int) ([]*models.Instance, error)
	// ListWaitingForInput returns the patient's WAITING_FOR_INPUT instances.
	ListWaitingForInput(ctx context.Context, patientID string) ([]*models.Instance, error)
	// ExistsForAppointment reports whether definitionID already has an instance
	// for appointmentID.
	ExistsForAppointment(ctx context.Context, definitionID, appointmentID string) (bool, error)
	// AppendLog appends an execution log entry.
	AppendLog(ctx context.Context, entry *models.LogEntry) error
	// ListLogs returns an instance's log in insertion order.
	ListLogs(ctx context.Context, instanceID string) ([]*models.LogEntry, error)
}

// CommunicationStore records messaging attempts.
type CommunicationStore interface {
	RecordCommunication(ctx context.Context, c *models.Communication) error
}

// AppointmentStore is the engine's view of the booking system.
type AppointmentStore interface {
	GetAppointment(ctx context.Context, id string) (*models.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id, status string) error
	// FindAppointmentsStarting returns the tenant's non-cancelled appointments
	// starting in [from, to).
	FindAppointmentsStarting(ctx context.Context, tenantID string, from, to time.Time) ([]*models.Appointment, error)
}

// PatientStore is the engine's view of patient records.
type PatientStore interface {
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
}

// TemplateStore resolves externally stored message templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
}

// TenantStore resolves tenants for authentication.
type TenantStore interface {
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
}

// Repository is the full persistence surface of the service.
type Repository interface {
	DefinitionStore
	InstanceStore
	CommunicationStore
	AppointmentStore
	PatientStore
	TemplateStore
	TenantStore
	Ping(ctx context.Context) error
}
