package challenge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/challenge-engine/internal/audit"
	"github.com/atmx/challenge-engine/internal/market"
	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/store"
)

// MonitorConfig holds the cron specs, evaluated in UTC.
type MonitorConfig struct {
	SweepSpec     string
	RolloverSpec  string
	ReconcileSpec string
	JobTimeout    time.Duration
}

// DefaultMonitorConfig sweeps every minute, rolls the day at UTC midnight and
// reconciles ledgers half an hour later.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SweepSpec:     "@every 1m",
		RolloverSpec:  "0 0 * * *",
		ReconcileSpec: "30 0 * * *",
		JobTimeout:    5 * time.Minute,
	}
}

// Monitor schedules the periodic challenge jobs.
type Monitor struct {
	cron       *cron.Cron
	cfg        MonitorConfig
	store      store.Store
	gw         market.Gateway
	worker     *Worker
	reconciler *audit.Reconciler
	logger     *slog.Logger
	baseCtx    context.Context
}

// NewMonitor registers the jobs. An empty spec disables that job.
func NewMonitor(baseCtx context.Context, cfg MonitorConfig, s store.Store, gw market.Gateway, w *Worker, rec *audit.Reconciler, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	m := &Monitor{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		cfg:        cfg,
		store:      s,
		gw:         gw,
		worker:     w,
		reconciler: rec,
		logger:     logger,
		baseCtx:    baseCtx,
	}
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"sweep", cfg.SweepSpec, m.Sweep},
		{"rollover", cfg.RolloverSpec, m.Rollover},
		{"reconcile", cfg.ReconcileSpec, m.Reconcile},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := m.cron.AddFunc(j.spec, m.wrap(j.name, j.run)); err != nil {
			return nil, fmt.Errorf("challenge: schedule %s %q: %w", j.name, j.spec, err)
		}
	}
	return m, nil
}

func (m *Monitor) wrap(name string, run func(context.Context) error) func() {
	return func() {
		ctx := m.baseCtx
		if m.cfg.JobTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.JobTimeout)
			defer cancel()
		}
		start := time.Now()
		if err := run(ctx); err != nil {
			m.logger.Error("monitor job failed", "job", name, "err", err)
			return
		}
		m.logger.Debug("monitor job finished", "job", name, "took", time.Since(start))
	}
}

// Start runs the scheduler in the background.
func (m *Monitor) Start() {
	m.logger.Info("monitor started")
	m.cron.Start()
}

// Stop waits for running jobs to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("monitor stopped")
}

// Sweep enqueues an evaluation for every active challenge.
func (m *Monitor) Sweep(ctx context.Context) error {
	active, err := m.store.ListActiveChallenges(ctx)
	if err != nil {
		return fmt.Errorf("challenge: list active: %w", err)
	}
	metrics.ActiveChallenges.Set(float64(len(active)))
	for _, c := range active {
		m.worker.Enqueue(c.ID)
	}
	return nil
}

// Rollover starts a new trading day: every active challenge's start-of-day
// balance becomes its current equity at fresh prices.
func (m *Monitor) Rollover(ctx context.Context) error {
	active, err := m.store.ListActiveChallenges(ctx)
	if err != nil {
		return fmt.Errorf("challenge: list active: %w", err)
	}
	gw := market.FreshOf(m.gw)
	rolled := 0
	for _, c := range active {
		if err := RollDay(ctx, m.store, gw, c.ID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Error("day rollover failed", "challenge", c.ID, "err", err)
			continue
		}
		rolled++
	}
	m.logger.Info("day rollover finished", "challenges", rolled)
	return nil
}

// RollDay resets one challenge's start-of-day balance to its equity.
func RollDay(ctx context.Context, s store.Store, gw market.Gateway, challengeID string) error {
	return s.WithChallengeTx(ctx, challengeID, func(tx store.Tx) error {
		c, err := tx.Challenge(ctx)
		if err != nil {
			return err
		}
		if !c.Active() {
			return nil
		}
		open, err := tx.OpenPositions(ctx)
		if err != nil {
			return err
		}
		_, equity, err := Mark(ctx, gw, c.CurrentBalance, open)
		if err != nil {
			return err
		}
		if equity.Equal(c.StartOfDayBalance) {
			return nil
		}
		c.StartOfDayBalance = equity
		c.UpdatedAt = time.Now().UTC()
		return tx.UpdateChallenge(ctx, c)
	})
}

// Reconcile runs the ledger check over every active challenge.
func (m *Monitor) Reconcile(ctx context.Context) error {
	if m.reconciler == nil {
		return nil
	}
	_, err := m.reconciler.ReconcileAll(ctx)
	return err
}
