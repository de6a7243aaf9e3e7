package engine

import (
	"context"
	"fmt"

	"careflow/backend/internal/tracing"
	"careflow/backend/pkg/models"

	"go.opentelemetry.io/otel/attribute"
)

// processNode executes nodeID and follows the graph until the instance
// suspends or terminates. The returned error only reports persistence
// failures; node failures are recorded on the instance itself.
func (e *Engine) processNode(ctx context.Context, ex *execution, nodeID string) error {
	for nodeID != "" {
		next, err := e.step(ctx, ex, nodeID)
		if err != nil {
			return err
		}
		nodeID = next
	}
	return nil
}

// step executes one node and returns the id of the node to run next, or ""
// when the drive is over.
func (e *Engine) step(ctx context.Context, ex *execution, nodeID string) (next string, err error) {
	ex.steps++
	if ex.steps > e.maxSteps {
		return "", e.fail(ctx, ex, nodeID, fmt.Errorf("step limit of %d exceeded without suspending", e.maxSteps))
	}

	node, ok := ex.graph.Node(nodeID)
	if !ok {
		return "", e.fail(ctx, ex, nodeID, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID))
	}
	id := node.ID
	ex.inst.CurrentNodeID = &id
	resumed := ex.resumeDelay
	ex.resumeDelay = false

	ctx, span := tracing.StartSpan(ctx, "workflow.node",
		attribute.String("workflow.instance_id", ex.inst.ID),
		attribute.String("workflow.node_id", node.ID),
		attribute.String("workflow.node_kind", string(node.Kind())),
	)
	defer func() { tracing.EndSpan(span, err) }()

	e.metrics.NodeExecuted(string(node.Kind()))
	e.logger.Debug("Processing node", "instance_id", ex.inst.ID, "node_id", node.ID, "kind", node.Kind())

	switch data := node.Data.(type) {
	case *models.TriggerNode:
		return e.transitionToNext(ctx, ex, node, "")

	case *models.ActionNode:
		e.executeAction(ctx, ex, node.ID, data)
		return e.transitionToNext(ctx, ex, node, "")

	case *models.ConditionNode:
		result, err := e.evaluateCondition(ctx, ex.inst, data)
		if err != nil {
			return "", e.fail(ctx, ex, node.ID, fmt.Errorf("condition evaluation failed: %w", err))
		}
		label := models.LabelFalse
		if result {
			label = models.LabelTrue
		}
		e.appendLog(ctx, ex.inst.ID, node.ID, models.LogNodeCompleted, "condition %s %s %q evaluated %s", data.Variable, data.Operator, data.Value, label)
		return e.transitionToNext(ctx, ex, node, label)

	case *models.DelayNode:
		if resumed {
			return e.transitionToNext(ctx, ex, node, "")
		}
		return e.executeDelay(ctx, ex, node, data)

	case *models.WaitForInputNode:
		return "", e.suspendForInput(ctx, ex, node.ID)

	default:
		e.logger.Warn("Unknown node kind, passing through", "instance_id", ex.inst.ID, "node_id", node.ID, "kind", node.Kind())
		e.appendLog(ctx, ex.inst.ID, node.ID, models.LogWarning, "unknown node kind %q treated as pass-through", node.Kind())
		return e.transitionToNext(ctx, ex, node, "")
	}
}

// transitionToNext follows the first outgoing edge of node, restricted to
// label when one is given. No matching edge completes the instance.
func (e *Engine) transitionToNext(ctx context.Context, ex *execution, node *models.Node, label string) (string, error) {
	edges := ex.graph.Outgoing(node.ID, label)
	if len(edges) == 0 {
		return "", e.complete(ctx, ex, node.ID)
	}

	target := edges[0].Target
	if _, ok := ex.graph.Node(target); !ok {
		return "", e.fail(ctx, ex, node.ID, fmt.Errorf("%w: edge %s -> %s", ErrNodeNotFound, node.ID, target))
	}
	e.appendLog(ctx, ex.inst.ID, node.ID, models.LogNodeCompleted, "%s completed, next %s", node.Kind(), target)
	return target, nil
}

func (e *Engine) complete(ctx context.Context, ex *execution, nodeID string) error {
	ex.inst.Status = models.StatusCompleted
	ex.inst.CurrentNodeID = nil
	ex.inst.NextWakeAt = nil
	if err := e.save(ctx, ex.inst); err != nil {
		return err
	}
	e.appendLog(ctx, ex.inst.ID, nodeID, models.LogCompleted, "workflow completed")
	e.metrics.InstanceFinished(string(models.StatusCompleted))
	e.logger.Info("Workflow instance completed", "instance_id", ex.inst.ID, "definition_id", ex.def.ID)
	return nil
}

// fail marks the instance FAILED with cause. It returns an error only when
// the instance could not be saved.
func (e *Engine) fail(ctx context.Context, ex *execution, nodeID string, cause error) error {
	ex.inst.Status = models.StatusFailed
	ex.inst.CurrentNodeID = nil
	ex.inst.NextWakeAt = nil
	if err := e.save(ctx, ex.inst); err != nil {
		return err
	}
	e.appendLog(ctx, ex.inst.ID, nodeID, models.LogFailed, "%v", cause)
	e.metrics.InstanceFinished(string(models.StatusFailed))
	e.logger.Warn("Workflow instance failed", "instance_id", ex.inst.ID, "node_id", nodeID, "error", cause)
	return nil
}

func (e *Engine) suspendForInput(ctx context.Context, ex *execution, nodeID string) error {
	ex.inst.Status = models.StatusWaitingForInput
	ex.inst.NextWakeAt = nil
	if err := e.save(ctx, ex.inst); err != nil {
		return err
	}
	e.appendLog(ctx, ex.inst.ID, nodeID, models.LogWaitingInput, "waiting for patient reply")
	return nil
}
