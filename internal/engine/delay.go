package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"careflow/backend/internal/repository"
	"careflow/backend/pkg/models"
)

func (e *Engine) executeDelay(ctx context.Context, ex *execution, node *models.Node, d *models.DelayNode) (string, error) {
	wake, err := e.computeWake(ctx, ex.inst, d)
	if err != nil {
		return "", e.fail(ctx, ex, node.ID, fmt.Errorf("delay evaluation failed: %w", err))
	}

	if !wake.After(e.now()) {
		if d.OnPast == models.OnPastSkip {
			e.appendLog(ctx, ex.inst.ID, node.ID, models.LogSkipped, "wake time %s already passed, skipping remaining steps", wake.UTC().Format(time.RFC3339))
			return "", e.complete(ctx, ex, node.ID)
		}
		return e.transitionToNext(ctx, ex, node, "")
	}

	wake = wake.UTC()
	ex.inst.Status = models.StatusWaiting
	ex.inst.NextWakeAt = &wake
	if err := e.save(ctx, ex.inst); err != nil {
		return "", err
	}
	e.appendLog(ctx, ex.inst.ID, node.ID, models.LogWaiting, "waiting until %s", wake.Format(time.RFC3339))
	if e.notifier != nil {
		e.notifier.Schedule(ex.inst.ID, wake)
	}
	return "", nil
}

// computeWake returns the absolute instant a delay node releases the
// instance. Appointment-relative modes read the appointment live.
func (e *Engine) computeWake(ctx context.Context, inst *models.Instance, d *models.DelayNode) (time.Time, error) {
	dur, err := models.Duration(d.Amount, d.Unit)
	if err != nil {
		return time.Time{}, err
	}

	switch d.Mode {
	case models.DelayFixed, "":
		return e.now().Add(dur), nil
	case models.DelayUntilBefore, models.DelayUntilAfter:
		apptID := inst.Appointment()
		if apptID == "" {
			apptID, _ = inst.Context.String(models.KeyAppointmentID)
		}
		if apptID == "" {
			return time.Time{}, errors.New("delay is relative to an appointment but the instance has none")
		}
		appt, err := e.deps.Appointments.GetAppointment(ctx, apptID)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to load appointment %s: %w", apptID, err)
		}
		if d.Mode == models.DelayUntilBefore {
			return appt.StartsAt.Add(-dur), nil
		}
		return appt.StartsAt.Add(dur), nil
	default:
		return time.Time{}, fmt.Errorf("unknown delay mode %q", d.Mode)
	}
}

// ResumeDelayed continues a WAITING instance whose wake time has passed. It
// reports false without error when the instance is not due, is no longer
// waiting, or is owned by another driver.
func (e *Engine) ResumeDelayed(ctx context.Context, instanceID string) (bool, error) {
	unlock, err := e.acquire(ctx, instanceID)
	if errors.Is(err, errBusy) {
		e.logger.Debug("Instance busy, leaving it to its current driver", "instance_id", instanceID)
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
	if inst.Status != models.StatusWaiting || inst.NextWakeAt == nil || inst.NextWakeAt.After(e.now()) {
		return false, nil
	}

	def, err := e.deps.Definitions.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		ex := &execution{inst: inst, def: &models.Definition{ID: inst.DefinitionID}}
		if errors.Is(err, repository.ErrNotFound) {
			return false, e.fail(ctx, ex, inst.CurrentNode(), fmt.Errorf("definition %s not found", inst.DefinitionID))
		}
		return false, fmt.Errorf("failed to load definition %s: %w", inst.DefinitionID, err)
	}

	inst.Status = models.StatusRunning
	inst.NextWakeAt = nil
	if err := e.save(ctx, inst); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			e.metrics.LockConflict()
			e.logger.Info("Instance changed underneath the resume, skipping", "instance_id", instanceID)
			return false, nil
		}
		return false, err
	}
	e.appendLog(ctx, inst.ID, inst.CurrentNode(), models.LogResumed, "delay elapsed")

	ex := newExecution(inst, def)
	ex.resumeDelay = true
	if err := e.processNode(ctx, ex, inst.CurrentNode()); err != nil {
		return true, err
	}
	return true, nil
}
