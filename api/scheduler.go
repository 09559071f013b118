/*
scheduler.go - Periodic balance audit

PURPOSE:
  Periodically recomputes every account balance from its transactions and
  compares it with the cached balance. Drift is logged, counted and
  repaired (see reconcile.Engine.RecalculateAccount).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Each run gets its own timeout-bound context
  - Disabled by default (config [audit] enabled)

USAGE:
  scheduler := NewBalanceAuditScheduler(engine, logger)
  scheduler.CheckInterval = cfg.Audit.Interval.Duration
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RecalculateAccount endpoint (manual, one account)
  - reconcile/queries.go: AuditBalances
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/reconciliation-engine/generic"
	"github.com/warp/reconciliation-engine/reconcile"
)

// BalanceAuditScheduler runs the balance audit in the background.
type BalanceAuditScheduler struct {
	Engine        *reconcile.Engine
	Logger        *zap.Logger
	CheckInterval time.Duration
	RunTimeout    time.Duration
	Actor         string
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastRun    time.Time
	lastDrifts []generic.Drift
}

// NewBalanceAuditScheduler creates a new scheduler.
func NewBalanceAuditScheduler(engine *reconcile.Engine, logger *zap.Logger) *BalanceAuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceAuditScheduler{
		Engine:        engine,
		Logger:        logger.Named("balance-audit"),
		CheckInterval: 1 * time.Hour,
		RunTimeout:    5 * time.Minute,
		Actor:         "balance-audit",
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (s *BalanceAuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker.C, s.stop)

	s.Logger.Info("started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for a running audit to finish.
func (s *BalanceAuditScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info("stopped")
}

func (s *BalanceAuditScheduler) run(ticks <-chan time.Time, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(context.Background())

	for {
		select {
		case <-ticks:
			s.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce audits every account and returns the drifts repaired.
func (s *BalanceAuditScheduler) RunOnce(ctx context.Context) []generic.Drift {
	ctx, cancel := context.WithTimeout(ctx, s.RunTimeout)
	defer cancel()

	start := time.Now()
	drifts, err := s.Engine.AuditBalances(ctx, s.Actor)
	if err != nil {
		s.Logger.Error("audit failed", zap.Error(err), zap.Int("repaired_before_failure", len(drifts)))
	}
	for _, d := range drifts {
		s.Logger.Warn("drift repaired",
			zap.String("account_id", string(d.AccountID)),
			zap.String("cached", d.Cached.String()),
			zap.String("recomputed", d.Recomputed.String()),
			zap.String("difference", d.Difference.String()),
		)
	}
	s.Logger.Info("audit completed",
		zap.Int("drifts", len(drifts)),
		zap.Duration("took", time.Since(start)),
	)

	s.mu.Lock()
	s.lastRun = start
	s.lastDrifts = drifts
	s.mu.Unlock()
	return drifts
}

// LastRun returns when the last audit started and the drifts it repaired.
func (s *BalanceAuditScheduler) LastRun() (time.Time, []generic.Drift) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastDrifts
}
