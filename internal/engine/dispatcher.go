package engine

import (
	"context"
	"fmt"

	"careflow/backend/internal/repository"
	"careflow/backend/pkg/models"
)

// TriggerEvent starts an instance of every active definition matching the
// event and drives each to its first suspension, one after the other. A
// failing instance does not stop the others.
func (e *Engine) TriggerEvent(ctx context.Context, eventType models.EventType, data models.ContextData) ([]*models.Instance, error) {
	tenantID, ok := data.String(models.KeyTenantID)
	if !ok {
		e.logger.Warn("Dropping event without tenant", "event_type", eventType)
		return nil, ErrMissingTenant
	}
	formID, _ := data.String(models.KeyFormID)

	return e.dispatch(ctx, repository.DefinitionQuery{
		TenantID:  tenantID,
		EventType: eventType,
		Segment:   data.Segment(),
		FormID:    formID,
	}, data)
}

func (e *Engine) dispatch(ctx context.Context, q repository.DefinitionQuery, data models.ContextData) ([]*models.Instance, error) {
	defs, err := e.deps.Definitions.FindMatchingDefinitions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to find matching definitions: %w", err)
	}
	e.logger.Debug("Dispatching event", "event_type", q.EventType, "tenant_id", q.TenantID, "matches", len(defs))

	var started []*models.Instance
	for _, def := range defs {
		inst, err := e.StartInstance(ctx, def, data)
		if err != nil {
			e.logger.Error("Failed to start workflow instance", "definition_id", def.ID, "event_type", q.EventType, "error", err)
		}
		if inst != nil {
			started = append(started, inst)
		}
	}
	return started, nil
}

// StartInstance creates an instance of def positioned at its trigger and
// drives it synchronously. The instance is returned whenever it was
// created, even if the drive later hit a persistence error.
func (e *Engine) StartInstance(ctx context.Context, def *models.Definition, data models.ContextData) (*models.Instance, error) {
	ex := newExecution(nil, def)
	trigger := ex.graph.Trigger()
	if trigger == nil {
		return nil, fmt.Errorf("definition %s: %w", def.ID, models.ErrNoTrigger)
	}

	seed := data.Clone()
	seed[models.KeyTenantID] = def.TenantID
	patientID, _ := seed.String(models.KeyPatientID)
	triggerID := trigger.ID
	inst := &models.Instance{
		DefinitionID:  def.ID,
		TenantID:      def.TenantID,
		PatientID:     patientID,
		Status:        models.StatusRunning,
		CurrentNodeID: &triggerID,
		Context:       seed,
	}
	if apptID, ok := seed.String(models.KeyAppointmentID); ok {
		inst.AppointmentID = &apptID
	}
	if err := e.deps.Instances.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	ex.inst = inst

	e.metrics.InstanceStarted(string(def.EventType))
	e.appendLog(ctx, inst.ID, trigger.ID, models.LogTriggered, "workflow %q triggered by %s", def.Name, def.EventType)
	e.logger.Info("Workflow instance started", "instance_id", inst.ID, "definition_id", def.ID, "patient_id", patientID)

	unlock, err := e.acquire(ctx, inst.ID)
	if err != nil {
		return inst, err
	}
	defer e.release(ctx, inst.ID, unlock)

	return inst, e.processNode(ctx, ex, trigger.ID)
}

// TrackingSignal is a passive engagement signal from an email open or a
// tracked link click.
type TrackingSignal struct {
	EventType  models.EventType
	InstanceID string
	StepID     string
	TemplateID string
	Action     string
}

// HandleTrackingEvent logs the signal on the originating instance, which is
// not resumed, and starts the listener definitions of the signal's event
// type in the same tenant.
func (e *Engine) HandleTrackingEvent(ctx context.Context, sig TrackingSignal) ([]*models.Instance, error) {
	var filter string
	extra := models.ContextData{
		models.KeySourceInstanceID: sig.InstanceID,
		models.KeySourceStepID:     sig.StepID,
	}
	switch sig.EventType {
	case models.EventEmailOpened:
		filter = sig.TemplateID
		extra[models.KeyTemplateID] = sig.TemplateID
	case models.EventLinkClicked:
		filter = sig.Action
		extra[models.KeyAction] = sig.Action
	default:
		return nil, fmt.Errorf("unsupported tracking event %q", sig.EventType)
	}

	src, err := e.deps.Instances.GetInstance(ctx, sig.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source instance %s: %w", sig.InstanceID, err)
	}
	e.appendLog(ctx, src.ID, sig.StepID, models.LogTracking, "%s received (filter %q)", sig.EventType, filter)

	data := src.Context.Merge(extra)
	data[models.KeyTenantID] = src.TenantID

	return e.dispatch(ctx, repository.DefinitionQuery{
		TenantID:      src.TenantID,
		EventType:     sig.EventType,
		Segment:       data.Segment(),
		TrackingValue: filter,
	}, data)
}
