package engine

import (
	"context"
	"fmt"
	"strings"

	"careflow/backend/pkg/models"

	"github.com/spf13/cast"
)

// tagsVariable is resolved from the patient record instead of the context.
const tagsVariable = "tags"

// evaluateCondition resolves the node's variable and compares it. Only the
// patient tag lookup can return an error; everything else fails closed.
func (e *Engine) evaluateCondition(ctx context.Context, inst *models.Instance, c *models.ConditionNode) (bool, error) {
	var (
		actual any
		ok     bool
	)
	if c.Variable == tagsVariable {
		patient, err := e.deps.Patients.GetPatient(ctx, inst.PatientID)
		if err != nil {
			return false, fmt.Errorf("failed to load patient %s: %w", inst.PatientID, err)
		}
		actual, ok = patient.Tags, true
	} else {
		actual, ok = inst.Context.Lookup(c.Variable)
	}
	if !ok {
		return false, nil
	}
	return compare(actual, c.Operator, c.Value), nil
}

func compare(actual any, op models.Operator, expected string) bool {
	switch op {
	case models.OpEquals:
		s, err := cast.ToStringE(actual)
		return err == nil && strings.EqualFold(s, expected)
	case models.OpNotEquals:
		s, err := cast.ToStringE(actual)
		return err == nil && !strings.EqualFold(s, expected)
	case models.OpContains:
		if list, ok := asList(actual); ok {
			for _, item := range list {
				if strings.EqualFold(item, expected) {
					return true
				}
			}
			return false
		}
		s, err := cast.ToStringE(actual)
		return err == nil && strings.Contains(strings.ToLower(s), strings.ToLower(expected))
	case models.OpGreaterThan, models.OpLessThan:
		a, err := cast.ToFloat64E(actual)
		if err != nil {
			return false
		}
		b, err := cast.ToFloat64E(strings.TrimSpace(expected))
		if err != nil {
			return false
		}
		if op == models.OpGreaterThan {
			return a > b
		}
		return a < b
	default:
		return false
	}
}

func asList(v any) ([]string, bool) {
	switch v.(type) {
	case []string, []any:
		list, err := cast.ToStringSliceE(v)
		return list, err == nil
	}
	return nil, false
}
