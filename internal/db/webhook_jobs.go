package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WebhookJobStatus represents the state of a queued webhook job
type WebhookJobStatus string

const (
	WebhookJobStatusPending    WebhookJobStatus = "pending"
	WebhookJobStatusProcessing WebhookJobStatus = "processing"
	WebhookJobStatusSucceeded  WebhookJobStatus = "succeeded"
	WebhookJobStatusDeadLetter WebhookJobStatus = "dead_letter"
)

// WebhookJob is a durably enqueued webhook event awaiting processing.
// The provider-assigned event_id is the job's stable identifier; terminal
// states are succeeded and dead_letter.
type WebhookJob struct {
	ID           uuid.UUID        `json:"id"`
	Provider     string           `json:"provider"`
	EventID      string           `json:"event_id"`
	EventType    string           `json:"event_type"`
	Payload      []byte           `json:"payload"`
	Status       WebhookJobStatus `json:"status"`
	AttemptCount int              `json:"attempt_count"`
	NextRetryAt  time.Time        `json:"next_retry_at"`
	ClaimedAt    *time.Time       `json:"claimed_at,omitempty"`
	LastError    *string          `json:"last_error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

const jobSelect = `
	SELECT id, provider, event_id, event_type, payload, status, attempt_count,
	       next_retry_at, claimed_at, last_error, created_at, finished_at
	FROM webhook_jobs`

func scanJob(row pgx.Row) (*WebhookJob, error) {
	job := &WebhookJob{}
	err := row.Scan(
		&job.ID, &job.Provider, &job.EventID, &job.EventType, &job.Payload,
		&job.Status, &job.AttemptCount, &job.NextRetryAt, &job.ClaimedAt,
		&job.LastError, &job.CreatedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueWebhookJob durably enqueues a webhook event. Exactly one concurrent
// caller wins the INSERT for a given (provider, event_id); losers get the
// existing job back with enqueued=false so duplicate deliveries coalesce at
// intake instead of spawning a second run.
func (db *DB) EnqueueWebhookJob(ctx context.Context, provider, eventID, eventType string, payload []byte) (*WebhookJob, bool, error) {
	job, err := scanJob(db.QueryRow(ctx, `
		INSERT INTO webhook_jobs (provider, event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO NOTHING
		RETURNING id, provider, event_id, event_type, payload, status, attempt_count,
		          next_retry_at, claimed_at, last_error, created_at, finished_at
	`, provider, eventID, eventType, payload))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to enqueue webhook job: %w", err)
	}

	existing, err := db.GetWebhookJobByEventID(ctx, provider, eventID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch existing webhook job: %w", err)
	}
	return existing, false, nil
}

// GetWebhookJobByEventID retrieves a job by its provider event id.
func (db *DB) GetWebhookJobByEventID(ctx context.Context, provider, eventID string) (*WebhookJob, error) {
	job, err := scanJob(db.QueryRow(ctx, jobSelect+`
		WHERE provider = $1 AND event_id = $2
	`, provider, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get webhook job: %w", err)
	}
	return job, nil
}

// GetWebhookJobByID retrieves a job by its internal id.
func (db *DB) GetWebhookJobByID(ctx context.Context, id uuid.UUID) (*WebhookJob, error) {
	job, err := scanJob(db.QueryRow(ctx, jobSelect+`
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get webhook job: %w", err)
	}
	return job, nil
}

// ClaimNextWebhookJob atomically claims the oldest due pending job and moves
// it to processing, incrementing its attempt count. FOR UPDATE SKIP LOCKED
// guarantees each job has exactly one claimant even with many workers.
// Returns (nil, nil) when no job is due.
func (db *DB) ClaimNextWebhookJob(ctx context.Context) (*WebhookJob, error) {
	job, err := scanJob(db.QueryRow(ctx, `
		UPDATE webhook_jobs
		SET status = $1, attempt_count = attempt_count + 1, claimed_at = NOW()
		WHERE id = (
			SELECT id FROM webhook_jobs
			WHERE status = $2 AND next_retry_at <= NOW()
			ORDER BY next_retry_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, provider, event_id, event_type, payload, status, attempt_count,
		          next_retry_at, claimed_at, last_error, created_at, finished_at
	`, WebhookJobStatusProcessing, WebhookJobStatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim webhook job: %w", err)
	}
	return job, nil
}

// MarkWebhookJobSucceeded moves a processing job to its terminal succeeded state.
func (db *DB) MarkWebhookJobSucceeded(ctx context.Context, id uuid.UUID) error {
	result, err := db.ExecResult(ctx, `
		UPDATE webhook_jobs
		SET status = $2, finished_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = $3
	`, id, WebhookJobStatusSucceeded, WebhookJobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark webhook job succeeded: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("mark succeeded failed: job %s not in processing state", id)
	}
	return nil
}

// ScheduleWebhookJobRetry returns a processing job to pending with a retry
// time in the future and records the failure reason.
func (db *DB) ScheduleWebhookJobRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, reason string) error {
	result, err := db.ExecResult(ctx, `
		UPDATE webhook_jobs
		SET status = $2, next_retry_at = $3, last_error = $4, claimed_at = NULL
		WHERE id = $1 AND status = $5
	`, id, WebhookJobStatusPending, nextRetryAt, reason, WebhookJobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to schedule webhook job retry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("schedule retry failed: job %s not in processing state", id)
	}
	return nil
}

// MarkWebhookJobDeadLetter moves a processing job to its terminal dead_letter
// state, preserving payload and failure context for operator review.
func (db *DB) MarkWebhookJobDeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	result, err := db.ExecResult(ctx, `
		UPDATE webhook_jobs
		SET status = $2, finished_at = NOW(), last_error = $3
		WHERE id = $1 AND status = $4
	`, id, WebhookJobStatusDeadLetter, reason, WebhookJobStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to dead-letter webhook job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("dead-letter failed: job %s not in processing state", id)
	}
	return nil
}

// RequeueStuckWebhookJobs returns jobs stuck in processing past the liveness
// timeout to pending (crash recovery). Distinct from the retry/backoff path:
// a stuck claim means the worker died, not that processing failed.
func (db *DB) RequeueStuckWebhookJobs(ctx context.Context, stuckFor time.Duration) (int64, error) {
	result, err := db.ExecResult(ctx, `
		UPDATE webhook_jobs
		SET status = $1, next_retry_at = NOW(), claimed_at = NULL
		WHERE status = $2 AND claimed_at < NOW() - make_interval(secs => $3)
	`, WebhookJobStatusPending, WebhookJobStatusProcessing, stuckFor.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck webhook jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// RequeueDeadLetterJob returns a dead-lettered job to pending after operator
// intervention. This is the only path out of dead_letter.
func (db *DB) RequeueDeadLetterJob(ctx context.Context, id uuid.UUID) error {
	result, err := db.ExecResult(ctx, `
		UPDATE webhook_jobs
		SET status = $2, attempt_count = 0, next_retry_at = NOW(),
		    claimed_at = NULL, finished_at = NULL
		WHERE id = $1 AND status = $3
	`, id, WebhookJobStatusPending, WebhookJobStatusDeadLetter)
	if err != nil {
		return fmt.Errorf("failed to requeue dead-letter job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("requeue failed: job %s not in dead_letter state", id)
	}
	return nil
}

// ListWebhookJobsByStatus retrieves jobs in a given status, oldest first.
func (db *DB) ListWebhookJobsByStatus(ctx context.Context, status WebhookJobStatus, limit int) ([]*WebhookJob, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(ctx, jobSelect+`
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*WebhookJob
	for rows.Next() {
		job := &WebhookJob{}
		err := rows.Scan(
			&job.ID, &job.Provider, &job.EventID, &job.EventType, &job.Payload,
			&job.Status, &job.AttemptCount, &job.NextRetryAt, &job.ClaimedAt,
			&job.LastError, &job.CreatedAt, &job.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// CountWebhookJobsByStatus returns the queue depth per status.
func (db *DB) CountWebhookJobsByStatus(ctx context.Context) (map[WebhookJobStatus]int64, error) {
	rows, err := db.Query(ctx, `
		SELECT status, COUNT(*) FROM webhook_jobs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count webhook jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[WebhookJobStatus]int64)
	for rows.Next() {
		var status WebhookJobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan webhook job count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}
