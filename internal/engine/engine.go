package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/split-goat/split-goat/internal/audience"
	"github.com/split-goat/split-goat/internal/store"
)

// DefaultSignificance is the confidence level applied to tests that don't
// set their own.
const DefaultSignificance = 0.95

// Engine owns test definitions, assignment, event recording and result
// aggregation. All shared caches live on the instance so independent
// engines (and tests) get isolated state.
type Engine struct {
	store  store.Store
	filter *audience.Filter
	clock  Clock
	logger *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	cacheMu sync.RWMutex
	tests   map[string]*store.Test

	resultsMu sync.Mutex
	cellLocks map[string]*sync.Mutex
	results   map[string]*store.Result
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithRandSource(src rand.Source) Option {
	return func(e *Engine) { e.rng = rand.New(src) }
}

func New(s store.Store, filter *audience.Filter, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		filter:    filter,
		clock:     SystemClock(),
		logger:    zap.NewNop(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		tests:     make(map[string]*store.Test),
		cellLocks: make(map[string]*sync.Mutex),
		results:   make(map[string]*store.Result),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateTest validates the configuration against every rule at once,
// assigns ids, persists the test and primes the cache. Tests may be created
// in draft or directly running; anything else is rejected.
func (e *Engine) CreateTest(ctx context.Context, cfg *store.Test) (*store.Test, error) {
	test := *cfg
	now := e.clock.Now()

	if test.Significance == 0 {
		test.Significance = DefaultSignificance
	}
	if test.Status == "" {
		test.Status = store.StatusDraft
	}
	if test.ID == "" {
		test.ID = uuid.NewString()
	}
	for i := range test.Variants {
		if test.Variants[i].ID == "" {
			test.Variants[i].ID = uuid.NewString()
		}
	}
	test.Winner = nil
	test.EndedAt = nil
	test.CreatedAt = now
	test.UpdatedAt = now
	if test.Status == store.StatusRunning && test.StartedAt == nil {
		test.StartedAt = &now
	}

	if violations := validate(&test); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	if err := e.store.CreateTest(ctx, &test); err != nil {
		e.logger.Error("failed to persist test", zap.String("test", test.ID), zap.Error(err))
		return nil, err
	}

	e.cacheMu.Lock()
	e.tests[test.ID] = &test
	e.cacheMu.Unlock()

	e.logger.Info("test created",
		zap.String("test", test.ID),
		zap.String("name", test.Name),
		zap.String("status", string(test.Status)))
	return &test, nil
}

// GetTest returns the test or nil when unknown. Unknown ids are not an
// error on read paths.
func (e *Engine) GetTest(ctx context.Context, id string) (*store.Test, error) {
	e.cacheMu.RLock()
	cached, ok := e.tests[id]
	e.cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	test, err := e.store.GetTest(ctx, id)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.cacheMu.Lock()
	e.tests[id] = test
	e.cacheMu.Unlock()
	return test, nil
}

// ActiveTests returns all running tests, newest first.
func (e *Engine) ActiveTests(ctx context.Context) ([]*store.Test, error) {
	return e.store.ListTestsByStatus(ctx, store.StatusRunning)
}

// ListTests returns every test, newest first.
func (e *Engine) ListTests(ctx context.Context) ([]*store.Test, error) {
	return e.store.ListTests(ctx)
}

// StartTest activates a draft test. No-op when already running.
func (e *Engine) StartTest(ctx context.Context, id string) error {
	return e.transition(ctx, id, store.StatusRunning, func(t *store.Test, now time.Time) error {
		if t.Status != store.StatusDraft {
			return fmt.Errorf("%w: cannot start a %s test", ErrInvalidTransition, t.Status)
		}
		t.Status = store.StatusRunning
		t.StartedAt = &now
		return nil
	})
}

// PauseTest suspends a running test. No-op when already paused.
func (e *Engine) PauseTest(ctx context.Context, id string) error {
	return e.transition(ctx, id, store.StatusPaused, func(t *store.Test, now time.Time) error {
		if t.Status != store.StatusRunning {
			return fmt.Errorf("%w: cannot pause a %s test", ErrInvalidTransition, t.Status)
		}
		t.Status = store.StatusPaused
		return nil
	})
}

// ResumeTest restarts a paused test. No-op when already running.
func (e *Engine) ResumeTest(ctx context.Context, id string) error {
	return e.transition(ctx, id, store.StatusRunning, func(t *store.Test, now time.Time) error {
		if t.Status != store.StatusPaused {
			return fmt.Errorf("%w: cannot resume a %s test", ErrInvalidTransition, t.Status)
		}
		t.Status = store.StatusRunning
		return nil
	})
}

// EndTest completes a test, optionally declaring a winner. Used for manual
// stops of tests that never reach significance on their own.
func (e *Engine) EndTest(ctx context.Context, id, winnerVariantID string) error {
	return e.transition(ctx, id, store.StatusCompleted, func(t *store.Test, now time.Time) error {
		if t.Status != store.StatusRunning && t.Status != store.StatusPaused {
			return fmt.Errorf("%w: cannot end a %s test", ErrInvalidTransition, t.Status)
		}
		if winnerVariantID != "" {
			if t.Variant(winnerVariantID) == nil {
				return fmt.Errorf("unknown winner variant %q", winnerVariantID)
			}
			w := winnerVariantID
			t.Winner = &w
		}
		t.Status = store.StatusCompleted
		t.EndedAt = &now
		return nil
	})
}

// transition loads the test, applies the change, persists it and refreshes
// the cache. Already being in the target status is a no-op, not an error.
func (e *Engine) transition(ctx context.Context, id string, target store.TestStatus, apply func(*store.Test, time.Time) error) error {
	test, err := e.store.GetTest(ctx, id)
	if err == store.ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if test.Status == target {
		return nil
	}

	now := e.clock.Now()
	if err := apply(test, now); err != nil {
		return err
	}
	test.UpdatedAt = now

	if err := e.store.UpdateTest(ctx, test); err != nil {
		e.logger.Error("failed to update test", zap.String("test", id), zap.Error(err))
		return err
	}

	e.cacheMu.Lock()
	e.tests[id] = test
	e.cacheMu.Unlock()

	e.logger.Info("test transitioned",
		zap.String("test", id), zap.String("status", string(test.Status)))
	return nil
}

// DeleteTest removes the test and everything hanging off it. Idempotent.
func (e *Engine) DeleteTest(ctx context.Context, id string) error {
	if err := e.store.DeleteTest(ctx, id); err != nil {
		e.logger.Error("failed to delete test", zap.String("test", id), zap.Error(err))
		return err
	}

	e.cacheMu.Lock()
	delete(e.tests, id)
	e.cacheMu.Unlock()

	e.resultsMu.Lock()
	for key := range e.results {
		if r := e.results[key]; r.TestID == id {
			delete(e.results, key)
		}
	}
	e.resultsMu.Unlock()

	e.logger.Info("test deleted", zap.String("test", id))
	return nil
}

// Filter exposes the audience filter, mainly so callers can register
// custom criterion evaluators.
func (e *Engine) Filter() *audience.Filter {
	return e.filter
}

func cellKey(testID, variantID, metricName string) string {
	return testID + "\x00" + variantID + "\x00" + metricName
}

// cellLock returns the mutex serializing updates to one result cell.
func (e *Engine) cellLock(key string) *sync.Mutex {
	e.resultsMu.Lock()
	defer e.resultsMu.Unlock()
	mu, ok := e.cellLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.cellLocks[key] = mu
	}
	return mu
}
