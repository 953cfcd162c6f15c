package audience

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/split-goat/split-goat/internal/store"
)

// DefaultSegment is assumed for subjects the segmentation service does not
// know about yet.
const DefaultSegment = "new-visitor"

const (
	saturationWindow = 7 * 24 * time.Hour
	maxSimilarTests  = 3
)

// SegmentProvider supplies behavioral segment tags for a subject. It is an
// external collaborator; implementations may be backed by anything.
type SegmentProvider interface {
	Segments(ctx context.Context, subjectKey string) ([]string, error)
}

// Filter decides whether a subject is eligible for a test. All guards must
// pass: saturation, segment membership, and audience criteria.
type Filter struct {
	store      store.Store
	segments   SegmentProvider
	profiles   ProfileProvider
	evaluators map[string]Evaluator
	logger     *zap.Logger
}

func NewFilter(s store.Store, segments SegmentProvider, profiles ProfileProvider, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Filter{
		store:      s,
		segments:   segments,
		profiles:   profiles,
		evaluators: make(map[string]Evaluator),
		logger:     logger,
	}
	for field, ev := range builtinEvaluators {
		f.evaluators[field] = ev
	}
	return f
}

// RegisterEvaluator adds or replaces the evaluator for a criterion field.
func (f *Filter) RegisterEvaluator(field string, ev Evaluator) {
	f.evaluators[field] = ev
}

// IsEligible runs all guards for the subject against the test.
func (f *Filter) IsEligible(ctx context.Context, test *store.Test, subjectKey string, now time.Time) (bool, error) {
	saturated, err := f.isSaturated(ctx, test, subjectKey, now)
	if err != nil {
		return false, err
	}
	if saturated {
		return false, nil
	}

	if !f.matchesSegments(ctx, test, subjectKey) {
		return false, nil
	}

	return f.matchesCriteria(ctx, test, subjectKey), nil
}

// isSaturated counts the subject's recent assignments to similar tests.
// Similar means sharing a metric name or an audience segment. Subjects in
// three or more similar experiments are held out to avoid oversampling.
func (f *Filter) isSaturated(ctx context.Context, test *store.Test, subjectKey string, now time.Time) (bool, error) {
	since := now.Add(-saturationWindow)
	assignments, err := f.store.ListAssignmentsBySubject(ctx, subjectKey, since, 0)
	if err != nil {
		return false, fmt.Errorf("failed to list subject assignments: %w", err)
	}

	similar := 0
	for _, a := range assignments {
		if a.TestID == test.ID {
			continue
		}
		other, err := f.store.GetTest(ctx, a.TestID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to load test %s: %w", a.TestID, err)
		}
		if testsSimilar(test, other) {
			similar++
			if similar >= maxSimilarTests {
				return true, nil
			}
		}
	}
	return false, nil
}

func testsSimilar(a, b *store.Test) bool {
	for _, ma := range a.Metrics {
		for _, mb := range b.Metrics {
			if ma.Name == mb.Name {
				return true
			}
		}
	}
	for _, sa := range a.Audience.Segments {
		for _, sb := range b.Audience.Segments {
			if sa == sb {
				return true
			}
		}
	}
	return false
}

// matchesSegments checks the subject belongs to at least one of the test's
// audience segments. Tests without segments accept everyone. Unknown
// subjects default to the new-visitor segment; a failing segmentation
// service does the same rather than blocking assignment.
func (f *Filter) matchesSegments(ctx context.Context, test *store.Test, subjectKey string) bool {
	if len(test.Audience.Segments) == 0 {
		return true
	}

	subjectSegments := []string{DefaultSegment}
	if f.segments != nil {
		tags, err := f.segments.Segments(ctx, subjectKey)
		if err != nil {
			f.logger.Warn("segment lookup failed, using default segment",
				zap.String("subject", subjectKey), zap.Error(err))
		} else if len(tags) > 0 {
			subjectSegments = tags
		}
	}

	for _, want := range test.Audience.Segments {
		for _, have := range subjectSegments {
			if want == have {
				return true
			}
		}
	}
	return false
}

// matchesCriteria evaluates every audience criterion with AND semantics.
// Unrecognized criterion fields pass (fail-open) so a new rule rolled out
// ahead of its evaluator never blocks assignment.
func (f *Filter) matchesCriteria(ctx context.Context, test *store.Test, subjectKey string) bool {
	for _, c := range test.Audience.Criteria {
		ev, ok := f.evaluators[c.Field]
		if !ok {
			f.logger.Debug("no evaluator for criterion field, passing",
				zap.String("field", c.Field))
			continue
		}
		match, err := ev(ctx, f.profiles, subjectKey, c)
		if err != nil {
			f.logger.Warn("criterion evaluation failed, passing",
				zap.String("field", c.Field), zap.Error(err))
			continue
		}
		if !match {
			return false
		}
	}
	return true
}
