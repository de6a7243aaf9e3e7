package models

import (
	"errors"
	"fmt"
	"time"
)

// EventType names a business event that can start a workflow.
type EventType string

const (
	EventAppointmentCreated   EventType = "appointment_created"
	EventAppointmentCancelled EventType = "appointment_cancelled"
	EventAppointmentReminder  EventType = "appointment_reminder"
	EventFormSubmitted        EventType = "form_submitted"
	EventPatientCreated       EventType = "patient_created"
	EventEmailOpened          EventType = "email_opened"
	EventLinkClicked          EventType = "link_clicked"
)

// PatientSegment filters definitions by how the patient relates to the clinic.
type PatientSegment string

const (
	SegmentAll       PatientSegment = "ALL"
	SegmentNew       PatientSegment = "NEW"
	SegmentRecurring PatientSegment = "RECURRING"
)

// Definition is an authored workflow graph plus the filters that decide
// which events start it. It is never mutated while instances run.
type Definition struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Name           string         `json:"name"`
	EventType      EventType      `json:"event_type"`
	Segment        PatientSegment `json:"segment"`
	FormID         *string        `json:"form_id,omitempty"`
	TrackingFilter *string        `json:"tracking_filter,omitempty"` // template id (opens) or action name (clicks)
	Nodes          []Node         `json:"nodes"`
	Edges          []Edge         `json:"edges"`
	Active         bool           `json:"active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Edge links two nodes. Label is set for condition branches ("true"/"false")
// and explicit multi-way routing.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Branch labels used by condition nodes.
const (
	LabelTrue  = "true"
	LabelFalse = "false"
)

var (
	ErrNoTrigger       = errors.New("definition has no trigger node")
	ErrMultipleTrigger = errors.New("definition has more than one trigger node")
)

// Validate checks the structural invariants of the graph.
func (d *Definition) Validate() error {
	if d.TenantID == "" {
		return errors.New("definition tenant_id is required")
	}
	seen := make(map[string]bool, len(d.Nodes))
	triggers := 0
	for _, n := range d.Nodes {
		if n.ID == "" {
			return errors.New("node without id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		if n.Kind() == KindTrigger {
			triggers++
		}
	}
	switch {
	case triggers == 0:
		return ErrNoTrigger
	case triggers > 1:
		return ErrMultipleTrigger
	}
	for _, e := range d.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("edge source %q is not a node", e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("edge target %q is not a node", e.Target)
		}
	}
	return nil
}

// Graph returns the adjacency index for the definition.
func (d *Definition) Graph() *Graph {
	g := &Graph{
		nodes: make(map[string]*Node, len(d.Nodes)),
		out:   make(map[string][]Edge),
	}
	for i := range d.Nodes {
		n := &d.Nodes[i]
		g.nodes[n.ID] = n
		if n.Kind() == KindTrigger && g.trigger == nil {
			g.trigger = n
		}
	}
	for _, e := range d.Edges {
		g.out[e.Source] = append(g.out[e.Source], e)
	}
	return g
}

// TriggerTiming returns the secondary timing of the trigger node, if any.
func (d *Definition) TriggerTiming() *TriggerTiming {
	for _, n := range d.Nodes {
		if t, ok := n.Data.(*TriggerNode); ok {
			return t.Timing
		}
	}
	return nil
}

// Graph is an adjacency map keyed by source node id. Edge order follows the
// definition's edge list, so ties are broken by list order.
type Graph struct {
	nodes   map[string]*Node
	out     map[string][]Edge
	trigger *Node
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Trigger returns the trigger node, or nil when the graph has none.
func (g *Graph) Trigger() *Node {
	return g.trigger
}

// Outgoing returns the edges leaving id. A non-empty label keeps only edges
// carrying that label.
func (g *Graph) Outgoing(id, label string) []Edge {
	edges := g.out[id]
	if label == "" {
		return edges
	}
	var matched []Edge
	for _, e := range edges {
		if e.Label == label {
			matched = append(matched, e)
		}
	}
	return matched
}
