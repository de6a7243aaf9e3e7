package models

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	StatusRunning         InstanceStatus = "RUNNING"
	StatusWaiting         InstanceStatus = "WAITING"
	StatusWaitingForInput InstanceStatus = "WAITING_FOR_INPUT"
	StatusCompleted       InstanceStatus = "COMPLETED"
	StatusFailed          InstanceStatus = "FAILED"
)

// Terminal reports whether no driver may advance the instance any further.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Instance is one execution of a definition for one patient and event.
// CurrentNodeID is nil iff the instance is terminal; NextWakeAt is set iff
// the status is WAITING. Version increments on every persisted update.
type Instance struct {
	ID            string         `json:"id"`
	DefinitionID  string         `json:"definition_id"`
	TenantID      string         `json:"tenant_id"`
	PatientID     string         `json:"patient_id"`
	AppointmentID *string        `json:"appointment_id,omitempty"`
	Status        InstanceStatus `json:"status"`
	CurrentNodeID *string        `json:"current_node_id,omitempty"`
	Context       ContextData    `json:"context"`
	NextWakeAt    *time.Time     `json:"next_wake_at,omitempty"`
	Version       int            `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CurrentNode returns the current node id or "" when terminal.
func (i *Instance) CurrentNode() string {
	if i.CurrentNodeID == nil {
		return ""
	}
	return *i.CurrentNodeID
}

// Appointment returns the related appointment id or "".
func (i *Instance) Appointment() string {
	if i.AppointmentID == nil {
		return ""
	}
	return *i.AppointmentID
}

// LogStatus tags an execution log entry.
type LogStatus string

const (
	LogTriggered     LogStatus = "TRIGGERED"
	LogNodeCompleted LogStatus = "NODE_COMPLETED"
	LogActionFailed  LogStatus = "ACTION_FAILED"
	LogWaiting       LogStatus = "WAITING"
	LogWaitingInput  LogStatus = "WAITING_FOR_INPUT"
	LogResumed       LogStatus = "RESUMED"
	LogInputReceived LogStatus = "INPUT_RECEIVED"
	LogTracking      LogStatus = "TRACKING"
	LogSkipped       LogStatus = "SKIPPED"
	LogWarning       LogStatus = "WARNING"
	LogCompleted     LogStatus = "COMPLETED"
	LogFailed        LogStatus = "FAILED"
)

// LogEntry is an append-only record of something that happened to an instance.
type LogEntry struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	NodeID     string    `json:"node_id"`
	Status     LogStatus `json:"status"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Direction of a communication record.
const (
	DirectionOutbound = "OUTBOUND"
	DirectionInbound  = "INBOUND"
)

// Delivery status of a communication record. Inbound replies are RECEIVED.
const (
	DeliverySent     = "SENT"
	DeliveryFailed   = "FAILED"
	DeliveryReceived = "RECEIVED"
)

// Communication audits one messaging attempt.
type Communication struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	InstanceID string    `json:"instance_id"`
	NodeID     string    `json:"node_id"`
	PatientID  string    `json:"patient_id"`
	Channel    Channel   `json:"channel"`
	Direction  string    `json:"direction"`
	Status     string    `json:"status"`
	Recipient  string    `json:"recipient"`
	Subject    string    `json:"subject,omitempty"`
	Content    string    `json:"content"`
	Tier       string    `json:"tier,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
