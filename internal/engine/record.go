package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/split-goat/split-goat/internal/store"
)

// RecordImpression persists a raw event and folds it into the cached result
// for its (variant, metric) cell with an online mean update, so no history
// re-scan is needed per event. Count-style events default to value 1.
//
// Events for paused or completed tests are dropped: in-flight pages keep
// sending beacons after an operator pauses a test, and that is not an error.
func (e *Engine) RecordImpression(ctx context.Context, testID, variantID string, typ store.ImpressionType, subjectKey string, value *float64, metadata map[string]string) error {
	switch typ {
	case store.ImpressionView, store.ImpressionClick, store.ImpressionConversion:
	default:
		return fmt.Errorf("invalid impression type %q", typ)
	}

	test, err := e.GetTest(ctx, testID)
	if err != nil {
		return err
	}
	if test == nil {
		return ErrNotFound
	}
	if test.Status != store.StatusRunning {
		e.logger.Debug("dropping impression for non-running test",
			zap.String("test", testID), zap.String("status", string(test.Status)))
		return nil
	}
	if test.Variant(variantID) == nil {
		return fmt.Errorf("unknown variant %q for test %s", variantID, testID)
	}

	v := 1.0
	if value != nil {
		v = *value
	}

	imp := &store.Impression{
		ID:         uuid.NewString(),
		TestID:     testID,
		VariantID:  variantID,
		SubjectKey: subjectKey,
		Type:       typ,
		Value:      v,
		Metadata:   metadata,
		CreatedAt:  e.clock.Now(),
	}
	if err := e.store.RecordImpression(ctx, imp); err != nil {
		e.logger.Error("failed to persist impression",
			zap.String("test", testID), zap.String("variant", variantID), zap.Error(err))
		return err
	}

	if err := e.updateResultCell(ctx, testID, variantID, string(typ), v); err != nil {
		return err
	}

	// Keep significance fresh ahead of the monitor's next cycle
	if _, _, err := e.RefreshResults(ctx, test); err != nil {
		e.logger.Warn("failed to refresh significance",
			zap.String("test", testID), zap.Error(err))
	}
	return nil
}

// updateResultCell applies newMean = oldMean + (value-oldMean)/newN to one
// (test, variant, metric) cell under its lock, write-through to storage.
// The in-memory cache is only updated after a successful write.
func (e *Engine) updateResultCell(ctx context.Context, testID, variantID, metricName string, value float64) error {
	key := cellKey(testID, variantID, metricName)
	mu := e.cellLock(key)
	mu.Lock()
	defer mu.Unlock()

	e.resultsMu.Lock()
	cached, ok := e.results[key]
	e.resultsMu.Unlock()

	var cell store.Result
	if ok {
		cell = *cached
	} else {
		stored, err := e.store.GetResult(ctx, testID, variantID, metricName)
		if err != nil && err != store.ErrNotFound {
			return err
		}
		if stored != nil {
			cell = *stored
		} else {
			cell = store.Result{
				TestID:     testID,
				VariantID:  variantID,
				MetricName: metricName,
				PValue:     1,
			}
		}
	}

	cell.SampleSize++
	cell.Value += (value - cell.Value) / float64(cell.SampleSize)
	cell.UpdatedAt = e.clock.Now()

	if err := e.store.UpsertResult(ctx, &cell); err != nil {
		e.logger.Error("failed to upsert result",
			zap.String("test", testID), zap.String("variant", variantID),
			zap.String("metric", metricName), zap.Error(err))
		return err
	}

	e.resultsMu.Lock()
	e.results[key] = &cell
	e.resultsMu.Unlock()
	return nil
}
