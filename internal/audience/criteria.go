package audience

import (
	"context"
	"fmt"

	"github.com/split-goat/split-goat/internal/store"
)

// ProfileProvider supplies numeric behavioral attributes for a subject,
// e.g. total purchase count or session count. The boolean reports whether
// the attribute is known for this subject.
type ProfileProvider interface {
	Attribute(ctx context.Context, subjectKey, field string) (float64, bool, error)
}

// Evaluator decides whether a subject satisfies one audience criterion.
type Evaluator func(ctx context.Context, profiles ProfileProvider, subjectKey string, c store.Criterion) (bool, error)

// builtinEvaluators covers the criterion fields the engine understands out
// of the box. Additional fields are registered via Filter.RegisterEvaluator.
var builtinEvaluators = map[string]Evaluator{
	"total_purchases": attributeEvaluator("total_purchases"),
	"session_count":   attributeEvaluator("session_count"),
}

// attributeEvaluator compares a profile attribute against the criterion
// value using the criterion operator. Subjects without the attribute are
// treated as zero, matching how a brand-new visitor looks.
func attributeEvaluator(field string) Evaluator {
	return func(ctx context.Context, profiles ProfileProvider, subjectKey string, c store.Criterion) (bool, error) {
		if profiles == nil {
			return true, nil
		}
		value, known, err := profiles.Attribute(ctx, subjectKey, field)
		if err != nil {
			return false, fmt.Errorf("failed to fetch attribute %s: %w", field, err)
		}
		if !known {
			value = 0
		}
		return compare(value, c.Operator, c.Value)
	}
}

func compare(value float64, operator string, target float64) (bool, error) {
	switch operator {
	case "gt", ">":
		return value > target, nil
	case "gte", ">=":
		return value >= target, nil
	case "lt", "<":
		return value < target, nil
	case "lte", "<=":
		return value <= target, nil
	case "eq", "==", "":
		return value == target, nil
	case "neq", "!=":
		return value != target, nil
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}
