package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"careflow/backend/internal/repository"
	"careflow/backend/pkg/models"
)

// TriggerInputEvent offers an inbound reply to every instance of the patient
// waiting for input. Instances whose keywords do not match stay suspended.
// It returns the number of instances resumed.
func (e *Engine) TriggerInputEvent(ctx context.Context, patientID string, channel models.Channel, text string) (int, error) {
	return e.correlateInput(ctx, "", patientID, channel, text)
}

// TriggerTenantInputEvent is TriggerInputEvent restricted to one tenant's
// instances.
func (e *Engine) TriggerTenantInputEvent(ctx context.Context, tenantID, patientID string, channel models.Channel, text string) (int, error) {
	if tenantID == "" {
		return 0, ErrMissingTenant
	}
	return e.correlateInput(ctx, tenantID, patientID, channel, text)
}

// correlateInput matches the reply against waiting instances. An empty
// tenantID matches every tenant.
func (e *Engine) correlateInput(ctx context.Context, tenantID, patientID string, channel models.Channel, text string) (int, error) {
	waiting, err := e.deps.Instances.ListWaitingForInput(ctx, patientID)
	if err != nil {
		return 0, fmt.Errorf("failed to list waiting instances: %w", err)
	}

	normalized := normalizeInput(text)
	resumed := 0
	for _, w := range waiting {
		if tenantID != "" && w.TenantID != tenantID {
			continue
		}
		ok, err := e.resumeInput(ctx, w.ID, channel, text, normalized)
		if err != nil {
			e.logger.Error("Failed to resume instance on reply", "instance_id", w.ID, "error", err)
			continue
		}
		if ok {
			resumed++
		}
	}
	if resumed == 0 {
		e.logger.Debug("Reply matched no waiting instance", "patient_id", patientID, "tenant_id", tenantID, "candidates", len(waiting))
	}
	return resumed, nil
}

func (e *Engine) resumeInput(ctx context.Context, instanceID string, channel models.Channel, raw, normalized string) (bool, error) {
	unlock, err := e.acquire(ctx, instanceID)
	if errors.Is(err, errBusy) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer e.release(ctx, instanceID, unlock)

	inst, err := e.deps.Instances.GetInstance(ctx, instanceID)
	if err != nil {
		return false, fmt.Errorf("failed to load instance %s: %w", instanceID, err)
	}
	if inst.Status != models.StatusWaitingForInput {
		return false, nil
	}

	def, err := e.deps.Definitions.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return false, fmt.Errorf("failed to load definition %s: %w", inst.DefinitionID, err)
	}
	ex := newExecution(inst, def)

	node, ok := ex.graph.Node(inst.CurrentNode())
	if !ok {
		return false, e.fail(ctx, ex, inst.CurrentNode(), fmt.Errorf("%w: %s", ErrNodeNotFound, inst.CurrentNode()))
	}
	wait, ok := node.Data.(*models.WaitForInputNode)
	if !ok {
		e.logger.Warn("Instance waits for input on a non-input node", "instance_id", inst.ID, "node_id", node.ID, "kind", node.Kind())
		return false, nil
	}

	keyword, target, ok := matchKeyword(wait.Branches, normalized)
	if !ok {
		return false, nil
	}

	inst.Status = models.StatusRunning
	inst.CurrentNodeID = &target
	inst.Context = inst.Context.Merge(models.ContextData{models.KeyLastInput: raw})
	if err := e.save(ctx, inst); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			e.metrics.LockConflict()
			return false, nil
		}
		return false, err
	}
	e.appendLog(ctx, inst.ID, node.ID, models.LogInputReceived, "%s reply matched %q, continuing at %s", channel, keyword, target)
	e.metrics.Resumed("input")

	if err := e.deps.Communications.RecordCommunication(ctx, &models.Communication{
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		NodeID:     node.ID,
		PatientID:  inst.PatientID,
		Channel:    channel,
		Direction:  models.DirectionInbound,
		Status:     models.DeliveryReceived,
		Content:    raw,
		CreatedAt:  e.now().UTC(),
	}); err != nil {
		e.logger.Error("Failed to record inbound communication", "instance_id", inst.ID, "error", err)
	}

	return true, e.processNode(ctx, ex, target)
}

func normalizeInput(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// matchKeyword tries an exact match first, then a contains match with
// longer keywords before shorter ones so "not yes" beats "yes".
func matchKeyword(branches map[string]string, text string) (keyword, target string, ok bool) {
	if text == "" {
		return "", "", false
	}
	keys := make([]string, 0, len(branches))
	for k := range branches {
		if normalizeInput(k) == text {
			return k, branches[k], true
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if nk := normalizeInput(k); nk != "" && strings.Contains(text, nk) {
			return k, branches[k], true
		}
	}
	return "", "", false
}
