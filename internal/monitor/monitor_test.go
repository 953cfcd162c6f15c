package monitor_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/split-goat/split-goat/internal/audience"
	"github.com/split-goat/split-goat/internal/engine"
	"github.com/split-goat/split-goat/internal/monitor"
	"github.com/split-goat/split-goat/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock  *fakeClock
	engine *engine.Engine
	store  *store.SQLiteStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	filter := audience.NewFilter(s, nil, nil, nil)
	eng := engine.New(s, filter, engine.WithClock(clock))
	return &harness{clock: clock, engine: eng, store: s}
}

func (h *harness) monitor(t *testing.T, opts ...monitor.Option) *monitor.Monitor {
	t.Helper()
	opts = append([]monitor.Option{monitor.WithClock(h.clock)}, opts...)
	return monitor.New(h.engine, opts...)
}

// startTest creates a running conversion test requiring 100 samples over 24h.
func (h *harness) startTest(t *testing.T) *store.Test {
	t.Helper()

	created, err := h.engine.CreateTest(context.Background(), &store.Test{
		Name:   "pricing-page",
		Status: store.StatusRunning,
		Variants: []store.Variant{
			{Name: "Control", TrafficAllocation: 50, IsActive: true},
			{Name: "Treatment", TrafficAllocation: 50, IsActive: true},
		},
		Audience: store.Audience{SampleSize: 100, Duration: 24},
		Metrics:  []store.Metric{{Name: "conversion", Type: store.MetricPrimary}},
	})
	require.NoError(t, err)
	return created
}

// record feeds views and conversions for one variant.
func (h *harness) record(t *testing.T, testID, variantID string, views, conversions int) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < views; i++ {
		err := h.engine.RecordImpression(ctx, testID, variantID, store.ImpressionView, fmt.Sprintf("u-%s-%d", variantID, i), nil, nil)
		require.NoError(t, err)
	}
	for i := 0; i < conversions; i++ {
		err := h.engine.RecordImpression(ctx, testID, variantID, store.ImpressionConversion, fmt.Sprintf("u-%s-%d", variantID, i), nil, nil)
		require.NoError(t, err)
	}
}

func (h *harness) status(t *testing.T, id string) *store.Test {
	t.Helper()
	got, err := h.engine.GetTest(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestSweep_CompletesWithWinner(t *testing.T) {
	h := newHarness(t)
	test := h.startTest(t)

	h.record(t, test.ID, test.Variants[0].ID, 100, 5)
	h.record(t, test.ID, test.Variants[1].ID, 100, 30)
	h.clock.Advance(25 * time.Hour)

	require.NoError(t, h.monitor(t).Sweep(context.Background()))

	got := h.status(t, test.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.Winner)
	assert.Equal(t, test.Variants[1].ID, *got.Winner)
	require.NotNil(t, got.EndedAt)
}

func TestSweep_ControlCanWin(t *testing.T) {
	h := newHarness(t)
	test := h.startTest(t)

	h.record(t, test.ID, test.Variants[0].ID, 100, 30)
	h.record(t, test.ID, test.Variants[1].ID, 100, 5)
	h.clock.Advance(25 * time.Hour)

	require.NoError(t, h.monitor(t).Sweep(context.Background()))

	got := h.status(t, test.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.Winner)
	assert.Equal(t, test.Variants[0].ID, *got.Winner)
}

func TestSweep_DurationGateHolds(t *testing.T) {
	h := newHarness(t)
	test := h.startTest(t)

	// Decisive data well past the sample gate, but only an hour in: a
	// lopsided first morning must not end a week-long test.
	h.record(t, test.ID, test.Variants[0].ID, 100, 5)
	h.record(t, test.ID, test.Variants[1].ID, 100, 30)
	h.clock.Advance(time.Hour)

	require.NoError(t, h.monitor(t).Sweep(context.Background()))

	assert.Equal(t, store.StatusRunning, h.status(t, test.ID).Status)
}

func TestSweep_SampleGateHolds(t *testing.T) {
	h := newHarness(t)
	test := h.startTest(t)

	h.record(t, test.ID, test.Variants[0].ID, 10, 0)
	h.record(t, test.ID, test.Variants[1].ID, 10, 9)
	h.clock.Advance(25 * time.Hour)

	require.NoError(t, h.monitor(t).Sweep(context.Background()))

	assert.Equal(t, store.StatusRunning, h.status(t, test.ID).Status)
}

func TestSweep_NoSignificanceKeepsRunning(t *testing.T) {
	h := newHarness(t)
	test := h.startTest(t)

	h.record(t, test.ID, test.Variants[0].ID, 100, 10)
	h.record(t, test.ID, test.Variants[1].ID, 100, 10)
	h.clock.Advance(25 * time.Hour)

	require.NoError(t, h.monitor(t).Sweep(context.Background()))

	got := h.status(t, test.ID)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Nil(t, got.Winner)
}

func TestSweep_MaxDurationStopsWithoutWinner(t *testing.T) {
	h := newHarness(t)
	test := h.startTest(t)

	h.record(t, test.ID, test.Variants[0].ID, 100, 10)
	h.record(t, test.ID, test.Variants[1].ID, 100, 10)
	h.clock.Advance(50 * time.Hour)

	require.NoError(t, h.monitor(t, monitor.WithMaxDuration(48*time.Hour)).Sweep(context.Background()))

	got := h.status(t, test.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Nil(t, got.Winner)
}

func TestSweep_IgnoresDraftAndPaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	test := h.startTest(t)
	h.record(t, test.ID, test.Variants[0].ID, 100, 5)
	h.record(t, test.ID, test.Variants[1].ID, 100, 30)
	require.NoError(t, h.engine.PauseTest(ctx, test.ID))
	h.clock.Advance(25 * time.Hour)

	require.NoError(t, h.monitor(t).Sweep(ctx))

	assert.Equal(t, store.StatusPaused, h.status(t, test.ID).Status)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	mon := h.monitor(t, monitor.WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
}
