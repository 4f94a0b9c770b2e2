package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Database defines the interface for all database operations.
// This interface enables mocking in handler unit tests.
type Database interface {
	// Connection management
	Ping(ctx context.Context) error
	Close()

	// Organization operations
	CreateOrganization(ctx context.Context, name string, debtLimitPence int64) (*Organization, error)
	GetOrganizationByID(ctx context.Context, id uuid.UUID) (*Organization, error)
	UpdateDebtLimit(ctx context.Context, id uuid.UUID, debtLimitPence int64) error

	// Ledger operations
	ApplyLedgerMutation(ctx context.Context, m LedgerMutation) (*LedgerEntry, bool, error)
	GetLedgerEntryByExternalRef(ctx context.Context, orgID uuid.UUID, externalRef string) (*LedgerEntry, error)
	GetLedgerEntriesByOrg(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*LedgerEntry, error)
	FindBalanceDrift(ctx context.Context) ([]*BalanceDrift, error)

	// Webhook job queue operations
	EnqueueWebhookJob(ctx context.Context, provider, eventID, eventType string, payload []byte) (*WebhookJob, bool, error)
	GetWebhookJobByEventID(ctx context.Context, provider, eventID string) (*WebhookJob, error)
	GetWebhookJobByID(ctx context.Context, id uuid.UUID) (*WebhookJob, error)
	ClaimNextWebhookJob(ctx context.Context) (*WebhookJob, error)
	MarkWebhookJobSucceeded(ctx context.Context, id uuid.UUID) error
	ScheduleWebhookJobRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, reason string) error
	MarkWebhookJobDeadLetter(ctx context.Context, id uuid.UUID, reason string) error
	RequeueStuckWebhookJobs(ctx context.Context, stuckFor time.Duration) (int64, error)
	RequeueDeadLetterJob(ctx context.Context, id uuid.UUID) error
	ListWebhookJobsByStatus(ctx context.Context, status WebhookJobStatus, limit int) ([]*WebhookJob, error)
	CountWebhookJobsByStatus(ctx context.Context) (map[WebhookJobStatus]int64, error)

	// Transaction support
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

// Ensure DB implements Database interface
var _ Database = (*DB)(nil)
