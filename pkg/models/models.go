// Package models defines the domain models for the workflow automation service.
package models

import (
	"time"
)

// Tenant is the clinic that owns definitions, patients and instances.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppointmentStatus values written by workflow actions.
const (
	AppointmentScheduled  = "scheduled"
	AppointmentCancelled  = "cancelled"
	AppointmentWaitlisted = "waitlisted"
)

// Appointment is read live by delays, sender resolution and the secondary
// trigger scan.
type Appointment struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	PatientID string    `json:"patient_id" db:"patient_id"`
	DoctorID  *string   `json:"doctor_id,omitempty" db:"doctor_id"`
	StartsAt  time.Time `json:"starts_at" db:"starts_at"`
	Status    string    `json:"status" db:"status"`
}

// Patient is read for tag conditions and secondary trigger context.
type Patient struct {
	ID       string   `json:"id" db:"id"`
	TenantID string   `json:"tenant_id" db:"tenant_id"`
	Name     string   `json:"name" db:"name"`
	Email    *string  `json:"email,omitempty" db:"email"`
	Phone    *string  `json:"phone,omitempty" db:"phone"`
	Tags     []string `json:"tags,omitempty" db:"tags"`
}

// Template is an externally stored message body.
type Template struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	Subject  string `json:"subject" db:"subject"`
	BodyHTML string `json:"body_html" db:"body_html"`
	BodyText string `json:"body_text" db:"body_text"`
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
