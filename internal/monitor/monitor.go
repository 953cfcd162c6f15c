package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/split-goat/split-goat/internal/engine"
	"github.com/split-goat/split-goat/internal/stats"
	"github.com/split-goat/split-goat/internal/store"
)

// DefaultInterval is how often running tests are evaluated.
const DefaultInterval = 5 * time.Minute

// Monitor periodically evaluates running tests against their stopping
// criteria and finalizes winners. A test stops when the sample-size gate,
// the duration gate and the significance gate all pass. Tests that never
// reach significance keep running unless a maximum duration is configured.
type Monitor struct {
	engine      *engine.Engine
	interval    time.Duration
	maxDuration time.Duration
	clock       engine.Clock
	logger      *zap.Logger
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithMaxDuration adds a hard stop: tests running longer than d complete
// without a winner instead of running forever. Zero disables it.
func WithMaxDuration(d time.Duration) Option {
	return func(m *Monitor) { m.maxDuration = d }
}

func WithClock(c engine.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func New(eng *engine.Engine, opts ...Option) *Monitor {
	m := &Monitor{
		engine:   eng,
		interval: DefaultInterval,
		clock:    engine.SystemClock(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run evaluates on a ticker until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("completion monitor started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("completion monitor stopped")
			return
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Error("monitor sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs a single evaluation pass over all running tests. Evaluation
// failures are logged per test and do not abort the pass.
func (m *Monitor) Sweep(ctx context.Context) error {
	tests, err := m.engine.ActiveTests(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, test := range tests {
		g.Go(func() error {
			if err := m.evaluate(ctx, test); err != nil {
				m.logger.Error("failed to evaluate test",
					zap.String("test", test.ID), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// evaluate refreshes a test's results and completes it when the stopping
// criteria hold.
func (m *Monitor) evaluate(ctx context.Context, test *store.Test) error {
	samples, zresults, err := m.engine.RefreshResults(ctx, test)
	if err != nil {
		return err
	}

	if test.StartedAt == nil {
		return nil
	}
	elapsed := m.clock.Now().Sub(*test.StartedAt)

	if m.maxDuration > 0 && elapsed >= m.maxDuration {
		m.logger.Warn("test hit maximum duration, completing without winner",
			zap.String("test", test.ID), zap.Duration("elapsed", elapsed))
		return m.engine.EndTest(ctx, test.ID, "")
	}

	totalSamples := 0
	for _, s := range samples {
		totalSamples += s.Size
	}
	if totalSamples < test.Audience.SampleSize {
		return nil
	}
	if elapsed < time.Duration(test.Audience.Duration)*time.Hour {
		return nil
	}

	winner := pickWinner(test, samples, zresults)
	if winner == "" {
		return nil
	}

	m.logger.Info("stopping criteria met",
		zap.String("test", test.ID),
		zap.String("winner", winner),
		zap.Int("samples", totalSamples))
	return m.engine.EndTest(ctx, test.ID, winner)
}

// pickWinner returns the winning variant once any treatment differs
// significantly from the control, or "" when none does. Candidates are the
// control plus every significant treatment, highest observed primary value
// wins: a treatment that is significantly worse loses to the control
// instead of winning for being the only significant result.
func pickWinner(test *store.Test, samples map[string]stats.Sample, zresults map[string]stats.ZTestResult) string {
	active := test.ActiveVariants()
	if len(active) == 0 {
		return ""
	}

	anySignificant := false
	for _, zr := range zresults {
		if zr.IsSignificant {
			anySignificant = true
			break
		}
	}
	if !anySignificant {
		return ""
	}

	// Control is always a candidate: a significant difference may favor it
	control := active[0]
	winner := control.ID
	best := samples[control.ID].Value
	for _, v := range active[1:] {
		if !zresults[v.ID].IsSignificant {
			continue
		}
		if s := samples[v.ID]; s.Value > best {
			best = s.Value
			winner = v.ID
		}
	}
	return winner
}
