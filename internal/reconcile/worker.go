// Package reconcile runs periodic safety sweeps over the ledger and queue.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"switchboard/internal/db"
	"switchboard/internal/events"
)

// WorkerConfig holds configuration for the reconcile worker
type WorkerConfig struct {
	// Interval is how often to run a sweep
	Interval time.Duration
	// StuckTimeout is how long a job may sit in processing before it is
	// presumed orphaned by a crashed worker
	StuckTimeout time.Duration
}

// DefaultWorkerConfig returns sensible defaults for the worker
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Interval:     5 * time.Minute,
		StuckTimeout: 10 * time.Minute,
	}
}

// Worker periodically verifies that every wallet balance equals the sum of
// its ledger entries and requeues jobs orphaned in processing. Drift is
// reported, never corrected.
type Worker struct {
	db        *db.DB
	publisher events.Publisher
	config    *WorkerConfig
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewWorker creates a new reconcile worker
func NewWorker(database *db.DB, publisher events.Publisher, cfg *WorkerConfig) *Worker {
	if cfg == nil {
		cfg = DefaultWorkerConfig()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Worker{
		db:        database,
		publisher: publisher,
		config:    cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background worker
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runLoop(ctx)
	}()
	slog.Info("reconcile worker started", "interval", w.config.Interval)
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("reconcile worker stopped")
}

func (w *Worker) runLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconciliation sweep.
func (w *Worker) RunOnce(ctx context.Context) {
	w.checkBalanceDrift(ctx)
	w.requeueStuckJobs(ctx)
}

func (w *Worker) checkBalanceDrift(ctx context.Context) {
	drifts, err := w.db.FindBalanceDrift(ctx)
	if err != nil {
		slog.Error("balance drift check failed", "error", err)
		return
	}

	for _, d := range drifts {
		slog.Error("wallet balance does not match ledger sum",
			"org_id", d.OrgID,
			"wallet_balance_pence", d.WalletBalancePence,
			"ledger_sum_pence", d.LedgerSumPence,
			"drift_pence", d.WalletBalancePence-d.LedgerSumPence,
		)
		if err := w.publisher.PublishAlert(ctx, events.Alert{
			Kind:   "balance_drift",
			OrgID:  d.OrgID.String(),
			Reason: "wallet balance does not match ledger sum",
		}); err != nil {
			slog.Warn("failed to publish drift alert", "org_id", d.OrgID, "error", err)
		}
	}
}

func (w *Worker) requeueStuckJobs(ctx context.Context) {
	requeued, err := w.db.RequeueStuckWebhookJobs(ctx, w.config.StuckTimeout)
	if err != nil {
		slog.Error("stuck job requeue failed", "error", err)
		return
	}
	if requeued > 0 {
		slog.Warn("requeued jobs orphaned in processing",
			"count", requeued, "stuck_timeout", w.config.StuckTimeout)
	}
}
