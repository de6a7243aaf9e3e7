package models

import (
	"strings"
	"time"
)

// Reserved context keys. Templates and conditions may read any key, but the
// engine itself only relies on these.
const (
	KeyTenantID          = "tenantId"
	KeyPatientID         = "patientId"
	KeyAppointmentID     = "appointmentId"
	KeyPatientSegment    = "patientSegment"
	KeyFormID            = "formId"
	KeyEmail             = "email"
	KeyPhone             = "phone"
	KeyPatientPhone      = "patientPhone"
	KeyPatientName       = "patientName"
	KeyDoctorID          = "doctorId"
	KeyDoctorName        = "doctorName"
	KeyAppointmentStart  = "appointmentStart"
	KeyAppointmentStatus = "appointmentStatus"
	KeySourceInstanceID  = "sourceInstanceId"
	KeySourceStepID      = "sourceStepId"
	KeyTemplateID        = "templateId"
	KeyAction            = "action"
	KeyLastInput         = "lastInput"
)

// ContextData is the open key/value bag an instance carries.
type ContextData map[string]any

// Lookup resolves a key, descending into nested maps on dots
// ("appointment.status"). A top-level key containing dots wins.
func (c ContextData) Lookup(path string) (any, bool) {
	if v, ok := c[path]; ok {
		return v, v != nil
	}
	parts := strings.Split(path, ".")
	var cur any = map[string]any(c)
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case ContextData:
		return m, true
	}
	return nil, false
}

// String returns a non-empty string value stored under key.
func (c ContextData) String(key string) (string, bool) {
	v, ok := c[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// Time parses an RFC 3339 timestamp or returns a stored time.Time.
func (c ContextData) Time(key string) (time.Time, bool) {
	switch v := c[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		return t, err == nil
	}
	return time.Time{}, false
}

// Segment returns the declared patient segment, defaulting to NEW.
func (c ContextData) Segment() PatientSegment {
	if s, ok := c.String(KeyPatientSegment); ok {
		return PatientSegment(strings.ToUpper(s))
	}
	return SegmentNew
}

// Clone returns a shallow copy.
func (c ContextData) Clone() ContextData {
	out := make(ContextData, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns a copy of c with every key of other written over it.
func (c ContextData) Merge(other ContextData) ContextData {
	out := c.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}
