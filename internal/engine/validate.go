package engine

import (
	"fmt"

	"github.com/split-goat/split-goat/internal/store"
)

const (
	minSampleSize = 100
	minDuration   = 24 // hours
)

// validate checks every configuration rule in one pass and returns all
// violations, never just the first.
func validate(t *store.Test) []string {
	var violations []string

	if t.Name == "" {
		violations = append(violations, "name is required")
	}
	if t.Status != store.StatusDraft && t.Status != store.StatusRunning {
		violations = append(violations, fmt.Sprintf("tests may only be created as draft or running, not %q", t.Status))
	}
	if t.Significance <= 0 || t.Significance >= 1 {
		violations = append(violations, "significance must be between 0 and 1 exclusive")
	}

	if len(t.Variants) < 2 {
		violations = append(violations, "at least 2 variants are required")
	}

	active := 0
	allocation := 0
	for i, v := range t.Variants {
		if v.Name == "" {
			violations = append(violations, fmt.Sprintf("variant %d: name is required", i))
		}
		if v.TrafficAllocation < 0 || v.TrafficAllocation > 100 {
			violations = append(violations, fmt.Sprintf("variant %d: traffic allocation must be 0-100", i))
		}
		if v.IsActive {
			active++
			allocation += v.TrafficAllocation
		}
	}
	if active == 0 {
		violations = append(violations, "at least 1 active variant is required")
	} else if allocation != 100 {
		violations = append(violations, fmt.Sprintf("active variant traffic allocations must sum to 100, got %d", allocation))
	}

	primary := 0
	for i, m := range t.Metrics {
		switch m.Type {
		case store.MetricPrimary:
			primary++
		case store.MetricSecondary:
		default:
			violations = append(violations, fmt.Sprintf("metric %d: unknown type %q", i, m.Type))
		}
		if m.Name == "" {
			violations = append(violations, fmt.Sprintf("metric %d: name is required", i))
		}
	}
	if primary != 1 {
		violations = append(violations, fmt.Sprintf("exactly one primary metric is required, got %d", primary))
	}

	if t.Audience.SampleSize < minSampleSize {
		violations = append(violations, fmt.Sprintf("audience sample size must be at least %d", minSampleSize))
	}
	if t.Audience.Duration < minDuration {
		violations = append(violations, fmt.Sprintf("audience duration must be at least %d hours", minDuration))
	}

	return violations
}
