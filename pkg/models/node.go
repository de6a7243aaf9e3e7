package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// NodeKind is the discriminant of the node union.
type NodeKind string

const (
	KindTrigger      NodeKind = "trigger"
	KindAction       NodeKind = "action"
	KindCondition    NodeKind = "condition"
	KindDelay        NodeKind = "delay"
	KindWaitForInput NodeKind = "wait_for_input"
)

// NodeData is implemented by the payload of each node kind.
type NodeData interface {
	Kind() NodeKind
}

// Node is one step of a workflow graph.
type Node struct {
	ID   string
	Data NodeData
}

// Kind returns the discriminant of the node's payload.
func (n Node) Kind() NodeKind {
	if n.Data == nil {
		return ""
	}
	return n.Data.Kind()
}

// Direction places a secondary trigger before or after the appointment.
type Direction string

const (
	DirectionBefore Direction = "BEFORE"
	DirectionAfter  Direction = "AFTER"
)

// TimeUnit is the unit of a delay or trigger offset.
type TimeUnit string

const (
	UnitMinutes TimeUnit = "minutes"
	UnitHours   TimeUnit = "hours"
	UnitDays    TimeUnit = "days"
	UnitWeeks   TimeUnit = "weeks"
)

// Duration converts amount units into a time.Duration.
func Duration(amount int, unit TimeUnit) (time.Duration, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative amount %d", amount)
	}
	var base time.Duration
	switch unit {
	case UnitMinutes:
		base = time.Minute
	case UnitHours:
		base = time.Hour
	case UnitDays:
		base = 24 * time.Hour
	case UnitWeeks:
		base = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown time unit %q", unit)
	}
	return time.Duration(amount) * base, nil
}

// TriggerTiming declares an appointment-relative secondary trigger.
type TriggerTiming struct {
	Direction Direction `json:"direction"`
	Amount    int       `json:"amount"`
	Unit      TimeUnit  `json:"unit"`
}

// Offset returns the configured offset as a duration.
func (t *TriggerTiming) Offset() (time.Duration, error) {
	return Duration(t.Amount, t.Unit)
}

// TriggerNode is the graph entry point.
type TriggerNode struct {
	Timing *TriggerTiming `json:"timing,omitempty"`
}

func (*TriggerNode) Kind() NodeKind { return KindTrigger }

// Channel is the side effect an action node performs.
type Channel string

const (
	ChannelEmail             Channel = "email"
	ChannelSMS               Channel = "sms"
	ChannelWhatsApp          Channel = "whatsapp"
	ChannelCancelAppointment Channel = "cancel_appointment"
	ChannelAddToWaitlist     Channel = "add_to_waitlist"
)

// IsMessaging reports whether the channel sends a message to the patient.
func (c Channel) IsMessaging() bool {
	return c == ChannelEmail || c == ChannelSMS || c == ChannelWhatsApp
}

// ActionNode sends a message or mutates an appointment.
type ActionNode struct {
	Channel    Channel `json:"channel"`
	Subject    string  `json:"subject,omitempty"`
	Message    string  `json:"message,omitempty"`
	TemplateID string  `json:"template_id,omitempty"`
}

func (*ActionNode) Kind() NodeKind { return KindAction }

// Operator compares a context variable against a value.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpContains    Operator = "CONTAINS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
)

// ConditionNode routes along the "true" or "false" edge.
type ConditionNode struct {
	Variable string   `json:"variable"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

func (*ConditionNode) Kind() NodeKind { return KindCondition }

// DelayMode selects how the wake instant is computed.
type DelayMode string

const (
	DelayFixed       DelayMode = "FIXED"
	DelayUntilBefore DelayMode = "UNTIL_BEFORE"
	DelayUntilAfter  DelayMode = "UNTIL_AFTER"
)

// OnPastPolicy resolves a delay whose wake instant already elapsed.
type OnPastPolicy string

const (
	OnPastRun  OnPastPolicy = "RUN"
	OnPastSkip OnPastPolicy = "SKIP"
)

// DelayNode suspends the instance until a computed instant.
type DelayNode struct {
	Mode   DelayMode    `json:"mode"`
	Amount int          `json:"amount"`
	Unit   TimeUnit     `json:"unit"`
	OnPast OnPastPolicy `json:"on_past,omitempty"`
}

func (*DelayNode) Kind() NodeKind { return KindDelay }

// WaitForInputNode suspends until an inbound reply matches a keyword.
type WaitForInputNode struct {
	Branches map[string]string `json:"branches"`
}

func (*WaitForInputNode) Kind() NodeKind { return KindWaitForInput }

// UnknownNode keeps a node whose kind this engine does not implement.
type UnknownNode struct {
	Type NodeKind       `json:"-"`
	Raw  map[string]any `json:"-"`
}

func (u *UnknownNode) Kind() NodeKind { return u.Type }

// DecodeNode builds a node from its kind and loosely typed payload.
func DecodeNode(id string, kind NodeKind, data map[string]any) (Node, error) {
	var target NodeData
	switch kind {
	case KindTrigger:
		target = &TriggerNode{}
	case KindAction:
		target = &ActionNode{}
	case KindCondition:
		target = &ConditionNode{}
	case KindDelay:
		target = &DelayNode{}
	case KindWaitForInput:
		target = &WaitForInputNode{}
	default:
		return Node{ID: id, Data: &UnknownNode{Type: kind, Raw: data}}, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return Node{}, err
	}
	if err := decoder.Decode(data); err != nil {
		return Node{}, fmt.Errorf("node %s: decode %s payload: %w", id, kind, err)
	}
	return Node{ID: id, Data: target}, nil
}

type nodeJSON struct {
	ID   string         `json:"id"`
	Kind NodeKind       `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// MarshalJSON writes the node as {"id","kind","data"}.
func (n Node) MarshalJSON() ([]byte, error) {
	out := struct {
		ID   string   `json:"id"`
		Kind NodeKind `json:"kind"`
		Data any      `json:"data,omitempty"`
	}{ID: n.ID, Kind: n.Kind(), Data: n.Data}
	if u, ok := n.Data.(*UnknownNode); ok {
		out.Data = u.Raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON resolves the payload type from the kind discriminant.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	decoded, err := DecodeNode(raw.ID, raw.Kind, raw.Data)
	if err != nil {
		return err
	}
	*n = decoded
	return nil
}
