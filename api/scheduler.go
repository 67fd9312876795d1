/*
scheduler.go - Close-of-business reprocessing scheduler

PURPOSE:
  Periodically replays every open loan as of the current business date so
  that date-driven state (overdue installments, charge-off derivations,
  status reconciliation) catches up without waiting for the next booking.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Only Active and Overpaid loans are replayed
  - A loan is replayed at most once per business date
  - Concurrent modifications are skipped and retried on the next tick

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReprocessScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reprocess endpoint (manual replay)
  - loan/service.go: Service.Reprocess
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/loan-servicing/loan"
)

// ReprocessScheduler replays open loans once per business date.
type ReprocessScheduler struct {
	Service       *loan.Service
	Log           logrus.FieldLogger
	Today         func() loan.Date
	CheckInterval time.Duration
	Enabled       bool

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	runMu   sync.Mutex
	lastRun map[int64]loan.Date
}

// RunSummary counts what one pass did.
type RunSummary struct {
	Processed int
	Skipped   int
	Failed    int
}

// NewReprocessScheduler creates a new scheduler.
func NewReprocessScheduler(svc *loan.Service, log logrus.FieldLogger) *ReprocessScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReprocessScheduler{
		Service:       svc,
		Log:           log.WithField("component", "scheduler"),
		Today:         func() loan.Date { return loan.DateOf(time.Now()) },
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		lastRun:       make(map[int64]loan.Date),
	}
}

// Start begins the scheduler.
func (rs *ReprocessScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Log.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	rs.Log.WithField("interval", rs.CheckInterval.String()).Info("scheduler started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *ReprocessScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.Log.Info("scheduler stopped")
	}
}

func (rs *ReprocessScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	// Run immediately on start
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

// RunNow replays every open loan not yet replayed for today's business date.
func (rs *ReprocessScheduler) RunNow(ctx context.Context) RunSummary {
	var summary RunSummary
	today := rs.Today()

	loans, err := rs.Service.List(ctx)
	if err != nil {
		rs.Log.WithError(err).Error("failed to list loans")
		return summary
	}

	for _, l := range loans {
		if ctx.Err() != nil {
			break
		}
		if !l.Status.IsActiveOrOverpaid() {
			continue
		}
		if rs.alreadyRun(l.ID, today) {
			summary.Skipped++
			continue
		}

		res, err := rs.Service.Reprocess(ctx, l.ID, today)
		if err != nil {
			summary.Failed++
			entry := rs.Log.WithError(err).WithField("loan_id", l.ID)
			if loan.IsRetryable(err) {
				entry.Warn("loan changed during replay, retrying next pass")
			} else {
				entry.Error("failed to reprocess loan")
			}
			continue
		}
		rs.markRun(l.ID, today)
		summary.Processed++

		if res.StatusChange != nil {
			rs.Log.WithFields(logrus.Fields{
				"loan_id": l.ID,
				"from":    res.StatusChange.From.String(),
				"to":      res.StatusChange.To.String(),
			}).Info("status reconciled by scheduler")
		}
	}

	if summary.Processed > 0 || summary.Failed > 0 {
		rs.Log.WithFields(logrus.Fields{
			"business_date": today.String(),
			"processed":     summary.Processed,
			"skipped":       summary.Skipped,
			"failed":        summary.Failed,
		}).Info("scheduler pass completed")
	}
	return summary
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReprocessScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}

func (rs *ReprocessScheduler) alreadyRun(id int64, on loan.Date) bool {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()
	last, ok := rs.lastRun[id]
	return ok && !last.Before(on)
}

func (rs *ReprocessScheduler) markRun(id int64, on loan.Date) {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()
	rs.lastRun[id] = on
}
