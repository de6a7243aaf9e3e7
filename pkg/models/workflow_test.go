package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reminderJSON = `{
	"id": "def-1",
	"tenant_id": "clinic-1",
	"name": "Reminder",
	"event_type": "appointment_created",
	"segment": "ALL",
	"active": true,
	"nodes": [
		{"id": "start", "kind": "trigger", "data": {"timing": {"direction": "BEFORE", "amount": 24, "unit": "hours"}}},
		{"id": "check", "kind": "condition", "data": {"variable": "priority", "operator": "GREATER_THAN", "value": 3}},
		{"id": "mail", "kind": "action", "data": {"channel": "email", "subject": "Hi {{patientName}}", "message": "See you"}},
		{"id": "wait", "kind": "delay", "data": {"mode": "FIXED", "amount": "30", "unit": "minutes", "on_past": "SKIP"}},
		{"id": "ask", "kind": "wait_for_input", "data": {"branches": {"yes": "mail", "no": "wait"}}},
		{"id": "odd", "kind": "webhook", "data": {"url": "https://example.com"}}
	],
	"edges": [
		{"source": "start", "target": "check"},
		{"source": "check", "target": "mail", "label": "true"},
		{"source": "check", "target": "wait", "label": "false"},
		{"source": "mail", "target": "ask"}
	]
}`

func TestDefinitionDecode(t *testing.T) {
	var def Definition
	require.NoError(t, json.Unmarshal([]byte(reminderJSON), &def))
	require.NoError(t, def.Validate())

	require.Len(t, def.Nodes, 6)
	trigger, ok := def.Nodes[0].Data.(*TriggerNode)
	require.True(t, ok)
	require.NotNil(t, trigger.Timing)
	assert.Equal(t, DirectionBefore, trigger.Timing.Direction)
	assert.Equal(t, 24, trigger.Timing.Amount)

	cond := def.Nodes[1].Data.(*ConditionNode)
	assert.Equal(t, "3", cond.Value, "numeric values are coerced to strings")

	delay := def.Nodes[3].Data.(*DelayNode)
	assert.Equal(t, 30, delay.Amount)
	assert.Equal(t, OnPastSkip, delay.OnPast)

	wait := def.Nodes[4].Data.(*WaitForInputNode)
	assert.Equal(t, "mail", wait.Branches["yes"])

	assert.Equal(t, NodeKind("webhook"), def.Nodes[5].Kind())
	_, unknown := def.Nodes[5].Data.(*UnknownNode)
	assert.True(t, unknown)
}

func TestNodeRoundTripKeepsKind(t *testing.T) {
	n := Node{ID: "d", Data: &DelayNode{Mode: DelayUntilBefore, Amount: 2, Unit: UnitDays, OnPast: OnPastRun}}
	b, err := json.Marshal(n)
	require.NoError(t, err)

	var back Node
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, n, back)
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		err  error
	}{
		{
			name: "no trigger",
			def:  Definition{TenantID: "t", Nodes: []Node{{ID: "a", Data: &ActionNode{}}}},
			err:  ErrNoTrigger,
		},
		{
			name: "two triggers",
			def: Definition{TenantID: "t", Nodes: []Node{
				{ID: "a", Data: &TriggerNode{}},
				{ID: "b", Data: &TriggerNode{}},
			}},
			err: ErrMultipleTrigger,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.def.Validate(), tt.err)
		})
	}

	dangling := Definition{
		TenantID: "t",
		Nodes:    []Node{{ID: "a", Data: &TriggerNode{}}},
		Edges:    []Edge{{Source: "a", Target: "missing"}},
	}
	assert.Error(t, dangling.Validate())
}

func TestGraphOutgoingKeepsListOrder(t *testing.T) {
	def := Definition{
		Nodes: []Node{
			{ID: "c", Data: &ConditionNode{}},
			{ID: "x", Data: &ActionNode{}},
			{ID: "y", Data: &ActionNode{}},
			{ID: "z", Data: &ActionNode{}},
		},
		Edges: []Edge{
			{Source: "c", Target: "y", Label: LabelFalse},
			{Source: "c", Target: "x", Label: LabelTrue},
			{Source: "c", Target: "z", Label: LabelTrue},
		},
	}
	g := def.Graph()

	assert.Len(t, g.Outgoing("c", ""), 3)
	trueEdges := g.Outgoing("c", LabelTrue)
	require.Len(t, trueEdges, 2)
	assert.Equal(t, "x", trueEdges[0].Target)
	assert.Empty(t, g.Outgoing("x", ""))
	assert.Nil(t, g.Trigger())
}

func TestDuration(t *testing.T) {
	d, err := Duration(2, UnitWeeks)
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, d)

	_, err = Duration(1, "fortnights")
	assert.Error(t, err)
	_, err = Duration(-1, UnitHours)
	assert.Error(t, err)
}

func TestContextData(t *testing.T) {
	c := ContextData{
		"priority":    5,
		"appointment": map[string]any{"status": "booked"},
		"empty":       nil,
		"segment.raw": "x",
	}

	v, ok := c.Lookup("appointment.status")
	assert.True(t, ok)
	assert.Equal(t, "booked", v)

	_, ok = c.Lookup("empty")
	assert.False(t, ok)
	_, ok = c.Lookup("appointment.doctor")
	assert.False(t, ok)

	v, ok = c.Lookup("segment.raw")
	assert.True(t, ok)
	assert.Equal(t, "x", v)

	assert.Equal(t, SegmentNew, c.Segment())
	assert.Equal(t, SegmentRecurring, ContextData{KeyPatientSegment: "recurring"}.Segment())

	merged := c.Merge(ContextData{"priority": 1, "extra": true})
	assert.Equal(t, 1, merged["priority"])
	assert.Equal(t, 5, c["priority"], "merge leaves the receiver untouched")
	assert.Equal(t, true, merged["extra"])
}
