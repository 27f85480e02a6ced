/*
scheduler.go - Periodic balance recalculation

PURPOSE:
  Runs Recalculate All Balances on a fixed interval so drift left behind by
  concurrent postings or partial failures is repaired without an operator.

DESIGN:
  - Background goroutine driven by a ticker
  - Runs once immediately on Start
  - Per-party failures are logged, never stop the loop
  - Only one run at a time; RunNow waits for an in-flight run

CONFIGURATION:
  - Interval: How often to run (CREDITLEDGER_RECALC_INTERVAL, 0 = off)

USAGE:
  s := NewRecalculationScheduler(engine, time.Hour)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: RecalculateAll endpoint (manual trigger)
  - ledger/recalculator.go: RecalculateAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/logger"
)

// RecalculationScheduler periodically recalculates every balance.
type RecalculationScheduler struct {
	Engine   *ledger.Engine
	Interval time.Duration

	log    *logger.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex

	// lastMu guards lastAt only; Stop holds mu while waiting for a run.
	lastMu sync.RWMutex
	lastAt time.Time
}

// NewRecalculationScheduler creates a scheduler. A non-positive interval
// disables it.
func NewRecalculationScheduler(engine *ledger.Engine, interval time.Duration) *RecalculationScheduler {
	return &RecalculationScheduler{
		Engine:   engine,
		Interval: interval,
		log:      engine.Logger(),
	}
}

func (rs *RecalculationScheduler) Enabled() bool {
	return rs.Interval > 0
}

// Start begins the scheduler.
func (rs *RecalculationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	ctx := rs.log.WithField(context.Background(), "component", "recalc_scheduler")
	if !rs.Enabled() {
		rs.log.Info(ctx, "scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.log.Info(rs.log.WithField(ctx, "interval", rs.Interval.String()), "scheduler started")
}

// Stop stops the scheduler and waits for the current run.
func (rs *RecalculationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.log.Info(context.Background(), "scheduler stopped")
}

func (rs *RecalculationScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	rs.RunNow(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow triggers an immediate recalculation (for tests and admin).
func (rs *RecalculationScheduler) RunNow(ctx context.Context) ledger.AdminReport {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()

	report, err := rs.Engine.RecalculateAllBalances(ctx)
	rs.lastMu.Lock()
	rs.lastAt = time.Now()
	rs.lastMu.Unlock()

	logCtx := rs.log.WithFields(ctx, map[string]any{
		"component":     "recalc_scheduler",
		"discrepancies": len(report.Discrepancies()),
	})
	if err != nil {
		rs.log.WarnErr(logCtx, "scheduled recalculation finished with errors", err)
		return report
	}
	rs.log.Info(logCtx, "scheduled recalculation complete")
	return report
}

// NextRunTime returns when the next scheduled run will occur.
func (rs *RecalculationScheduler) NextRunTime() time.Time {
	rs.lastMu.RLock()
	defer rs.lastMu.RUnlock()
	if rs.lastAt.IsZero() {
		return time.Now()
	}
	return rs.lastAt.Add(rs.Interval)
}
