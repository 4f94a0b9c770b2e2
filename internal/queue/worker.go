// Package queue processes durably enqueued webhook jobs into ledger mutations.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"switchboard/internal/db"
	"switchboard/internal/events"
	"switchboard/internal/rates"

	"github.com/google/uuid"
)

// Event types accepted from webhook providers.
const (
	EventTypePaymentSucceeded = "payment.succeeded"
	EventTypeCallCompleted    = "call.completed"
)

// WorkerConfig holds configuration for the queue worker
type WorkerConfig struct {
	// PollInterval is how often to check for due jobs
	PollInterval time.Duration
	// BatchSize is the maximum number of jobs to process per poll
	BatchSize int
	// MaxAttempts bounds the retry loop; exhaustion dead-letters the job
	MaxAttempts int
	// BaseBackoff is the first retry delay; it doubles per attempt
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential backoff
	MaxBackoff time.Duration
	// DefaultRatePencePerMinute applies when a call event omits its rate
	DefaultRatePencePerMinute int64
}

// DefaultWorkerConfig returns sensible defaults for the worker
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		PollInterval:              1 * time.Second,
		BatchSize:                 50,
		MaxAttempts:               8,
		BaseBackoff:               1 * time.Second,
		MaxBackoff:                60 * time.Second,
		DefaultRatePencePerMinute: 70,
	}
}

// Worker drains the webhook job queue. Each worker processes one job at a
// time; run as many workers as needed, the claim query hands every job to
// exactly one of them.
type Worker struct {
	db        *db.DB
	publisher events.Publisher
	config    *WorkerConfig
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewWorker creates a new queue worker
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
	slog.Info("queue worker started", "poll_interval", w.config.PollInterval)
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("queue worker stopped")
}

func (w *Worker) runLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drainBatch(ctx)
		}
	}
}

// drainBatch processes up to BatchSize due jobs, stopping early when the
// queue is empty or the worker is shutting down.
func (w *Worker) drainBatch(ctx context.Context) {
	for i := 0; i < w.config.BatchSize; i++ {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		processed, err := w.ProcessOne(ctx)
		if err != nil {
			slog.Error("failed to process webhook job", "error", err)
			return
		}
		if !processed {
			return
		}
	}
}

// ProcessOne claims and processes a single due job.
// Returns false when no job is due.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.db.ClaimNextWebhookJob(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	entry, applied, procErr := w.processJob(ctx, job)
	if procErr != nil {
		w.handleFailure(ctx, job, procErr)
		return true, nil
	}

	if err := w.db.MarkWebhookJobSucceeded(ctx, job.ID); err != nil {
		// The mutation committed; the job will be retried and resolve as a
		// duplicate at the ledger layer.
		return true, fmt.Errorf("failed to mark job %s succeeded: %w", job.ID, err)
	}

	if entry != nil && applied {
		if err := w.publisher.PublishEntryCreated(ctx, entry); err != nil {
			slog.Warn("failed to publish ledger entry event",
				"entry_id", entry.ID, "org_id", entry.OrgID, "error", err)
		}
	}

	slog.Info("webhook job processed",
		"job_id", job.ID,
		"provider", job.Provider,
		"event_id", job.EventID,
		"event_type", job.EventType,
		"attempt", job.AttemptCount,
		"entry_created", entry != nil && applied,
	)
	return true, nil
}

// eventData is the payload portion of a provider event. Payment events carry
// amount and reference; call events carry call id, duration and rate.
type eventData struct {
	OrgID              string `json:"org_id"`
	AmountPence        int64  `json:"amount_pence"`
	Reference          string `json:"reference"`
	CallID             string `json:"call_id"`
	DurationSeconds    int64  `json:"duration_seconds"`
	RatePencePerMinute int64  `json:"rate_pence_per_minute"`
}

type eventEnvelope struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Data      eventData `json:"data"`
}

// processJob executes the idempotency check and ledger mutation for a job.
// A nil entry with nil error means the event was billable for zero pence.
func (w *Worker) processJob(ctx context.Context, job *db.WebhookJob) (*db.LedgerEntry, bool, error) {
	var env eventEnvelope
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		return nil, false, db.NewValidationError(fmt.Sprintf("malformed payload: %v", err))
	}

	orgID, err := uuid.Parse(env.Data.OrgID)
	if err != nil {
		return nil, false, db.NewValidationError(fmt.Sprintf("invalid org_id %q", env.Data.OrgID))
	}

	switch job.EventType {
	case EventTypePaymentSucceeded:
		return w.processPayment(ctx, job, orgID, env.Data)
	case EventTypeCallCompleted:
		return w.processCall(ctx, job, orgID, env.Data)
	default:
		return nil, false, db.NewValidationError(fmt.Sprintf("unsupported event type %q", job.EventType))
	}
}

func (w *Worker) processPayment(ctx context.Context, job *db.WebhookJob, orgID uuid.UUID, data eventData) (*db.LedgerEntry, bool, error) {
	if data.AmountPence <= 0 {
		return nil, false, db.NewValidationError("payment amount must be positive")
	}
	ref := data.Reference
	if ref == "" {
		ref = job.EventID
	}

	entry, applied, err := w.db.ApplyLedgerMutation(ctx, db.LedgerMutation{
		OrgID:       orgID,
		AmountPence: data.AmountPence,
		Type:        db.EntryTypeTopUp,
		ExternalRef: &ref,
		Description: fmt.Sprintf("payment %s via %s", ref, job.Provider),
	})
	return entry, applied, err
}

func (w *Worker) processCall(ctx context.Context, job *db.WebhookJob, orgID uuid.UUID, data eventData) (*db.LedgerEntry, bool, error) {
	if data.CallID == "" {
		return nil, false, db.NewValidationError("call event missing call_id")
	}

	rate := data.RatePencePerMinute
	if rate == 0 {
		rate = w.config.DefaultRatePencePerMinute
	}

	cost, err := rates.ComputeCallCost(data.DurationSeconds, rate)
	if err != nil {
		return nil, false, db.NewValidationError(err.Error())
	}
	if cost == 0 {
		// Nothing to bill; ledger entries must be nonzero.
		slog.Info("call billed at zero cost, no ledger entry",
			"call_id", data.CallID, "duration_seconds", data.DurationSeconds)
		return nil, false, nil
	}

	entry, applied, err := w.db.ApplyLedgerMutation(ctx, db.LedgerMutation{
		OrgID:       orgID,
		AmountPence: -cost,
		Type:        db.EntryTypeCallDeduction,
		ExternalRef: &data.CallID,
		Description: fmt.Sprintf("call %s, %ds at %dp/min", data.CallID, data.DurationSeconds, rate),
	})
	return entry, applied, err
}

// handleFailure routes a processing error to retry or dead-letter.
// Transient infrastructure failures retry with capped exponential backoff
// until MaxAttempts; everything else dead-letters immediately. A failure is
// never logged-and-dropped: it either reschedules or becomes an alert.
func (w *Worker) handleFailure(ctx context.Context, job *db.WebhookJob, procErr error) {
	transient := db.IsTransient(procErr)

	if transient && job.AttemptCount < w.config.MaxAttempts {
		backoff := w.calculateBackoff(job.AttemptCount)
		nextRetry := time.Now().UTC().Add(backoff)
		slog.Warn("webhook job failed, scheduling retry",
			"job_id", job.ID,
			"event_id", job.EventID,
			"attempt", job.AttemptCount,
			"max_attempts", w.config.MaxAttempts,
			"backoff", backoff,
			"error", procErr,
		)
		if err := w.db.ScheduleWebhookJobRetry(ctx, job.ID, nextRetry, procErr.Error()); err != nil {
			slog.Error("failed to schedule retry", "job_id", job.ID, "error", err)
		}
		return
	}

	reason := procErr.Error()
	switch {
	case errors.Is(procErr, db.ErrInsufficientFunds):
		reason = "debit refused: " + reason
	case errors.Is(procErr, db.ErrOrgNotFound):
		reason = "unknown organization: " + reason
	case transient:
		reason = fmt.Sprintf("retries exhausted after %d attempts: %s", job.AttemptCount, reason)
	}

	slog.Error("webhook job dead-lettered",
		"job_id", job.ID,
		"provider", job.Provider,
		"event_id", job.EventID,
		"attempt", job.AttemptCount,
		"reason", reason,
	)
	if err := w.db.MarkWebhookJobDeadLetter(ctx, job.ID, reason); err != nil {
		slog.Error("failed to dead-letter job", "job_id", job.ID, "error", err)
		return
	}

	if err := w.publisher.PublishAlert(ctx, events.Alert{
		Kind:     "dead_letter",
		Provider: job.Provider,
		EventID:  job.EventID,
		Reason:   reason,
	}); err != nil {
		slog.Warn("failed to publish dead-letter alert", "job_id", job.ID, "error", err)
	}
}

// calculateBackoff returns the delay before the next retry, doubling from
// BaseBackoff per attempt and capped at MaxBackoff.
func (w *Worker) calculateBackoff(attempts int) time.Duration {
	delay := w.config.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > w.config.MaxBackoff {
			return w.config.MaxBackoff
		}
	}
	if delay > w.config.MaxBackoff {
		return w.config.MaxBackoff
	}
	return delay
}
