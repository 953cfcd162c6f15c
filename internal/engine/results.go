package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/split-goat/split-goat/internal/stats"
	"github.com/split-goat/split-goat/internal/store"
)

// RefreshResults recomputes every result cell for a test from the raw
// impressions and re-runs significance on the primary metric, first-listed
// active variant as control against each other active variant. Returns the
// per-variant primary samples and the per-treatment z-test outcomes so the
// completion monitor can evaluate stopping criteria without re-reading.
func (e *Engine) RefreshResults(ctx context.Context, test *store.Test) (map[string]stats.Sample, map[string]stats.ZTestResult, error) {
	aggs, err := e.store.AggregateImpressions(ctx, test.ID)
	if err != nil {
		return nil, nil, err
	}

	cells := make(map[string]map[string]store.VariantAggregate)
	for _, agg := range aggs {
		if cells[agg.VariantID] == nil {
			cells[agg.VariantID] = make(map[string]store.VariantAggregate)
		}
		cells[agg.VariantID][agg.MetricName] = agg
	}

	primary := test.PrimaryMetric()
	active := test.ActiveVariants()
	samples := make(map[string]stats.Sample)
	zresults := make(map[string]stats.ZTestResult)
	if primary == nil || len(active) == 0 {
		return samples, zresults, nil
	}

	for _, v := range active {
		samples[v.ID] = primarySample(primary.Name, cells[v.ID])
	}

	control := active[0]
	for _, v := range active[1:] {
		zresults[v.ID] = stats.ZTest(samples[control.ID], samples[v.ID], test.Significance)
	}

	now := e.clock.Now()
	for variantID, metrics := range cells {
		for metricName, agg := range metrics {
			cell := store.Result{
				TestID:     test.ID,
				VariantID:  variantID,
				MetricName: metricName,
				Value:      agg.Mean,
				SampleSize: agg.Count,
				PValue:     1,
				UpdatedAt:  now,
			}
			if metricName == primary.Name {
				if zr, ok := zresults[variantID]; ok {
					cell.Confidence = zr.Confidence
					cell.PValue = zr.PValue
					cell.IsSignificant = zr.IsSignificant
				}
			}
			if err := e.writeResultCell(ctx, &cell); err != nil {
				return nil, nil, err
			}
		}
	}

	return samples, zresults, nil
}

// primarySample builds the z-test sample for one variant. For count-style
// primary metrics (click, conversion) the sample is the per-view rate over
// the view count; for value metrics it is the running mean over the event
// count.
func primarySample(metricName string, metrics map[string]store.VariantAggregate) stats.Sample {
	if metrics == nil {
		return stats.Sample{}
	}
	agg := metrics[metricName]

	switch store.ImpressionType(metricName) {
	case store.ImpressionClick, store.ImpressionConversion:
		views := metrics[string(store.ImpressionView)].Count
		if views > 0 {
			return stats.Sample{Value: float64(agg.Count) / float64(views), Size: views}
		}
	}
	return stats.Sample{Value: agg.Mean, Size: agg.Count}
}

func (e *Engine) writeResultCell(ctx context.Context, cell *store.Result) error {
	key := cellKey(cell.TestID, cell.VariantID, cell.MetricName)
	mu := e.cellLock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := e.store.UpsertResult(ctx, cell); err != nil {
		e.logger.Error("failed to upsert result",
			zap.String("test", cell.TestID), zap.String("variant", cell.VariantID),
			zap.String("metric", cell.MetricName), zap.Error(err))
		return err
	}

	e.resultsMu.Lock()
	e.results[key] = cell
	e.resultsMu.Unlock()
	return nil
}

// Results returns the per-(variant, metric) stats for a test. Unknown
// tests yield an empty slice.
func (e *Engine) Results(ctx context.Context, testID string) ([]*store.Result, error) {
	return e.store.ListResults(ctx, testID)
}

// Summary returns the cross-variant totals for a test: impressions,
// clicks, conversions, unique subjects and the derived rates. Variant
// names are resolved from the test definition.
func (e *Engine) Summary(ctx context.Context, testID string) (*store.TestSummary, error) {
	test, err := e.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test == nil {
		return nil, nil
	}

	summary, err := e.store.SummarizeImpressions(ctx, testID)
	if err != nil {
		return nil, err
	}

	for _, v := range test.Variants {
		vs := summary.Variants[v.ID]
		vs.Name = v.Name
		summary.Variants[v.ID] = vs
	}
	return summary, nil
}

// Stats returns the engine-wide operational rollup.
func (e *Engine) Stats(ctx context.Context) (*store.EngineStats, error) {
	tests, err := e.store.ListTests(ctx)
	if err != nil {
		return nil, err
	}

	s := &store.EngineStats{
		TestsByStatus: make(map[store.TestStatus]int),
		TotalTests:    len(tests),
	}
	for _, t := range tests {
		s.TestsByStatus[t.Status]++
	}
	s.ActiveTests = s.TestsByStatus[store.StatusRunning]

	if s.TotalAssignments, err = e.store.CountAssignments(ctx); err != nil {
		return nil, err
	}
	if s.TotalImpressions, err = e.store.CountImpressions(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// History returns a subject's assignments, newest first.
func (e *Engine) History(ctx context.Context, subjectKey string, limit int) ([]*store.Assignment, error) {
	return e.store.ListAssignmentsBySubject(ctx, subjectKey, time.Time{}, limit)
}
