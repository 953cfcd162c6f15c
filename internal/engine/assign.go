package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/split-goat/split-goat/internal/store"
)

// AssignVariant resolves the variant a subject should see for a test.
// Returns nil (no error) when the test isn't running, the subject is
// ineligible, or there is otherwise no variant to serve; callers fall back
// to the baseline experience.
//
// Assignments are sticky: a subject with a live assignment always gets the
// same variant back, even if the audience rules have since changed.
func (e *Engine) AssignVariant(ctx context.Context, testID, userID, sessionID string) (*store.Variant, error) {
	subjectKey := userID
	if subjectKey == "" {
		subjectKey = sessionID
	}
	if subjectKey == "" {
		return nil, nil
	}

	test, err := e.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test == nil || test.Status != store.StatusRunning {
		return nil, nil
	}

	now := e.clock.Now()

	existing, err := e.store.GetAssignment(ctx, testID, subjectKey)
	if err != nil && err != store.ErrNotFound {
		e.logger.Error("failed to look up assignment",
			zap.String("test", testID), zap.String("subject", subjectKey), zap.Error(err))
		return nil, err
	}
	if existing != nil && !existing.Expired(now) {
		return test.Variant(existing.VariantID), nil
	}

	eligible, err := e.filter.IsEligible(ctx, test, subjectKey, now)
	if err != nil {
		return nil, err
	}
	if !eligible {
		// No assignment record: the subject can be reconsidered later
		return nil, nil
	}

	variant := e.pickVariant(test)
	if variant == nil {
		return nil, nil
	}

	expires := now.Add(time.Duration(test.Audience.Duration) * time.Hour)
	assignment := &store.Assignment{
		TestID:     testID,
		SubjectKey: subjectKey,
		VariantID:  variant.ID,
		AssignedAt: now,
		ExpiresAt:  &expires,
	}

	stored, inserted, err := e.store.InsertAssignmentIfAbsent(ctx, assignment)
	if err != nil {
		e.logger.Error("failed to persist assignment",
			zap.String("test", testID), zap.String("subject", subjectKey), zap.Error(err))
		return nil, err
	}
	if !inserted {
		// Lost a concurrent first-visit race; honor whoever won
		return test.Variant(stored.VariantID), nil
	}
	return variant, nil
}

// pickVariant draws r uniformly in [0,100) and walks the active variants in
// configured order, accumulating traffic allocations until one covers r.
// Rounding never strands the draw: the first active variant is the
// fallback.
func (e *Engine) pickVariant(test *store.Test) *store.Variant {
	active := test.ActiveVariants()
	if len(active) == 0 {
		return nil
	}

	e.rngMu.Lock()
	r := e.rng.Float64() * 100
	e.rngMu.Unlock()

	cumulative := 0
	for i := range active {
		cumulative += active[i].TrafficAllocation
		if r < float64(cumulative) {
			return &active[i]
		}
	}
	return &active[0]
}
