package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"switchboard/internal/db"
	"switchboard/internal/db/testutil"
	"switchboard/internal/events"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu      sync.Mutex
	entries []*db.LedgerEntry
	alerts  []events.Alert
}

func (p *capturePublisher) PublishEntryCreated(_ context.Context, entry *db.LedgerEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
	return nil
}

func (p *capturePublisher) PublishAlert(_ context.Context, alert events.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func newTestWorker(t *testing.T) (*Worker, *db.DB, *capturePublisher) {
	t.Helper()

	testDB := testutil.NewTestDB(t)
	t.Cleanup(func() { testDB.Close(t) })

	database := db.NewFromPool(testDB.Pool)
	publisher := &capturePublisher{}

	worker := NewWorker(database, publisher, &WorkerConfig{
		PollInterval:              10 * time.Millisecond,
		BatchSize:                 10,
		MaxAttempts:               3,
		BaseBackoff:               time.Second,
		MaxBackoff:                time.Minute,
		DefaultRatePencePerMinute: 70,
	})
	return worker, database, publisher
}

func createOrg(t *testing.T, database *db.DB, balance int64) *db.Organization {
	t.Helper()
	ctx := context.Background()

	org, err := database.CreateOrganization(ctx, "Worker Test Org", 500)
	require.NoError(t, err)

	if balance > 0 {
		ref := "seed_" + org.ID.String()
		_, _, err = database.ApplyLedgerMutation(ctx, db.LedgerMutation{
			OrgID:       org.ID,
			AmountPence: balance,
			Type:        db.EntryTypeTopUp,
			ExternalRef: &ref,
		})
		require.NoError(t, err)
	}
	return org
}

func paymentPayload(eventID string, orgID uuid.UUID, amount int64, reference string) []byte {
	return []byte(fmt.Sprintf(
		`{"event_id":%q,"event_type":"payment.succeeded","data":{"org_id":%q,"amount_pence":%d,"reference":%q}}`,
		eventID, orgID, amount, reference,
	))
}

func callPayload(eventID string, orgID uuid.UUID, callID string, seconds, rate int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event_id":%q,"event_type":"call.completed","data":{"org_id":%q,"call_id":%q,"duration_seconds":%d,"rate_pence_per_minute":%d}}`,
		eventID, orgID, callID, seconds, rate,
	))
}

func enqueue(t *testing.T, database *db.DB, eventType, eventID string, payload []byte) *db.WebhookJob {
	t.Helper()
	job, enqueued, err := database.EnqueueWebhookJob(context.Background(), "stripe", eventID, eventType, payload)
	require.NoError(t, err)
	require.True(t, enqueued)
	return job
}

func TestProcessOne_NoJobs(t *testing.T) {
	worker, _, _ := newTestWorker(t)

	processed, err := worker.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessOne_PaymentTopUp(t *testing.T) {
	worker, database, publisher := newTestWorker(t)
	ctx := context.Background()

	org := createOrg(t, database, 0)
	job := enqueue(t, database, EventTypePaymentSucceeded,
		"evt_1", paymentPayload("evt_1", org.ID, 5000, "pay_123"))

	processed, err := worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	updated, err := database.GetOrganizationByID(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), updated.WalletBalancePence)

	done, err := database.GetWebhookJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WebhookJobStatusSucceeded, done.Status)

	require.Len(t, publisher.entries, 1)
	assert.Equal(t, int64(5000), publisher.entries[0].AmountPence)
	assert.Empty(t, publisher.alerts)
}

func TestProcessOne_CallDeduction(t *testing.T) {
	worker, database, _ := newTestWorker(t)
	ctx := context.Background()

	org := createOrg(t, database, 5000)
	enqueue(t, database, EventTypeCallCompleted,
		"evt_call_1", callPayload("evt_call_1", org.ID, "call_1", 95, 70))

	processed, err := worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	// 95s at 70p/min = 110.83p, rounds half-up to 111
	updated, err := database.GetOrganizationByID(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4889), updated.WalletBalancePence)

	entry, err := database.GetLedgerEntryByExternalRef(ctx, org.ID, "call_1")
	require.NoError(t, err)
	assert.Equal(t, int64(-111), entry.AmountPence)
	assert.Equal(t, db.EntryTypeCallDeduction, entry.EntryType)
}

func TestProcessOne_DuplicateCallUnderDifferentEventID(t *testing.T) {
	worker, database, publisher := newTestWorker(t)
	ctx := context.Background()

	org := createOrg(t, database, 5000)
	enqueue(t, database, EventTypeCallCompleted,
		"evt_call_1", callPayload("evt_call_1", org.ID, "call_1", 95, 70))
	enqueue(t, database, EventTypeCallCompleted,
		"evt_call_1_redelivery", callPayload("evt_call_1_redelivery", org.ID, "call_1", 95, 70))

	for i := 0; i < 2; i++ {
		processed, err := worker.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}

	// The same call billed twice must deduct exactly once
	updated, err := database.GetOrganizationByID(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4889), updated.WalletBalancePence)

	// Only the applying delivery publishes an entry event
	assert.Len(t, publisher.entries, 1)

	// Both jobs are terminal successes
	counts, err := database.CountWebhookJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[db.WebhookJobStatusSucceeded])
}

func TestProcessOne_CallUsesDefaultRate(t *testing.T) {
	worker, database, _ := newTestWorker(t)
	ctx := context.Background()

	org := createOrg(t, database, 5000)
	enqueue(t, database, EventTypeCallCompleted,
		"evt_call_1", callPayload("evt_call_1", org.ID, "call_1", 60, 0))

	_, err := worker.ProcessOne(ctx)
	require.NoError(t, err)

	// 60s at the default 70p/min
	updated, err := database.GetOrganizationByID(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4930), updated.WalletBalancePence)
}

func TestProcessOne_ZeroCostCall(t *testing.T) {
	worker, database, publisher := newTestWorker(t)
	ctx := context.Background()

	org := createOrg(t, database, 5000)
	job := enqueue(t, database, EventTypeCallCompleted,
		"evt_call_0", callPayload("evt_call_0", org.ID, "call_0", 0, 70))

	_, err := worker.ProcessOne(ctx)
	require.NoError(t, err)

	done, err := database.GetWebhookJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WebhookJobStatusSucceeded, done.Status)

	// No entry, no balance change, no publish
	updated, err := database.GetOrganizationByID(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), updated.WalletBalancePence)
	assert.Empty(t, publisher.entries)
}

func TestProcessOne_UnknownOrgDeadLetters(t *testing.T) {
	worker, database, publisher := newTestWorker(t)
	ctx := context.Background()

	job := enqueue(t, database, EventTypePaymentSucceeded,
		"evt_ghost", paymentPayload("evt_ghost", uuid.New(), 5000, "pay_ghost"))

	_, err := worker.ProcessOne(ctx)
	require.NoError(t, err)

	dead, err := database.GetWebhookJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WebhookJobStatusDeadLetter, dead.Status)
	require.NotNil(t, dead.LastError)
	assert.Contains(t, *dead.LastError, "unknown organization")

	require.Len(t, publisher.alerts, 1)
	assert.Equal(t, "dead_letter", publisher.alerts[0].Kind)
	assert.Equal(t, "evt_ghost", publisher.alerts[0].EventID)
}

func TestProcessOne_InsufficientFundsDeadLetters(t *testing.T) {
	worker, database, publisher := newTestWorker(t)
	ctx := context.Background()

	// Debt limit 500, balance 0: a 601p call cannot be billed
	org := createOrg(t, database, 0)
	job := enqueue(t, database, EventTypeCallCompleted,
		"evt_call_big", callPayload("evt_call_big", org.ID, "call_big", 600, 70))

	_, err := worker.ProcessOne(ctx)
	require.NoError(t, err)

	dead, err := database.GetWebhookJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WebhookJobStatusDeadLetter, dead.Status)
	require.NotNil(t, dead.LastError)
	assert.Contains(t, *dead.LastError, "debit refused")

	// Balance untouched by the refused debit
	updated, err := database.GetOrganizationByID(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated.WalletBalancePence)

	require.Len(t, publisher.alerts, 1)
}

func TestProcessOne_InvalidPayloadDeadLetters(t *testing.T) {
	worker, database, _ := newTestWorker(t)
	ctx := context.Background()

	testCases := []struct {
		name    string
		eventID string
		payload []byte
	}{
		{"bad org id", "evt_bad_org",
			[]byte(`{"event_id":"evt_bad_org","event_type":"payment.succeeded","data":{"org_id":"not-a-uuid","amount_pence":100}}`)},
		{"negative payment", "evt_neg",
			paymentPayload("evt_neg", uuid.New(), -100, "pay_neg")},
		{"missing call id", "evt_nocall",
			[]byte(fmt.Sprintf(`{"event_id":"evt_nocall","event_type":"call.completed","data":{"org_id":%q,"duration_seconds":60}}`, uuid.New()))},
		{"unsupported type", "evt_refund",
			[]byte(fmt.Sprintf(`{"event_id":"evt_refund","event_type":"payment.refunded","data":{"org_id":%q}}`, uuid.New()))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			eventType := "payment.succeeded"
			if tc.name == "missing call id" {
				eventType = "call.completed"
			}
			if tc.name == "unsupported type" {
				eventType = "payment.refunded"
			}
			job := enqueue(t, database, eventType, tc.eventID, tc.payload)

			_, err := worker.ProcessOne(ctx)
			require.NoError(t, err)

			dead, err := database.GetWebhookJobByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, db.WebhookJobStatusDeadLetter, dead.Status,
				"invalid payloads go straight to dead letter, retrying cannot fix them")
		})
	}
}

func TestHandleFailure_TransientSchedulesRetry(t *testing.T) {
	worker, database, publisher := newTestWorker(t)
	ctx := context.Background()

	org := createOrg(t, database, 0)
	enqueue(t, database, EventTypePaymentSucceeded,
		"evt_flaky", paymentPayload("evt_flaky", org.ID, 1000, "pay_flaky"))

	job, err := database.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 1, job.AttemptCount)

	worker.handleFailure(ctx, job, &pgconn.PgError{
		Code: "57014", Message: "canceling statement due to statement timeout",
	})

	retried, err := database.GetWebhookJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WebhookJobStatusPending, retried.Status)
	assert.Equal(t, 1, retried.AttemptCount)
	require.NotNil(t, retried.LastError)
	assert.Contains(t, *retried.LastError, "statement timeout")

	// First retry lands one BaseBackoff in the future
	assert.WithinDuration(t,
		time.Now().Add(worker.config.BaseBackoff), retried.NextRetryAt, 2*time.Second)

	// Not due yet, so the next claim sees nothing
	next, err := database.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	assert.Empty(t, publisher.alerts)
}

func TestHandleFailure_RetriesExhaustedDeadLetters(t *testing.T) {
	worker, database, publisher := newTestWorker(t)
	ctx := context.Background()

	org := createOrg(t, database, 0)
	seed := enqueue(t, database, EventTypePaymentSucceeded,
		"evt_down", paymentPayload("evt_down", org.ID, 1000, "pay_down"))

	transient := &pgconn.PgError{Code: "53300", Message: "too many connections"}
	for attempt := 1; attempt <= worker.config.MaxAttempts; attempt++ {
		// Collapse the backoff so the job is immediately due again
		require.NoError(t, database.Exec(ctx,
			`UPDATE webhook_jobs SET next_retry_at = NOW() WHERE id = $1`, seed.ID))

		job, err := database.ClaimNextWebhookJob(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, attempt, job.AttemptCount)

		worker.handleFailure(ctx, job, transient)
	}

	// The final attempt is a single transition to dead_letter, not another retry
	dead, err := database.GetWebhookJobByID(ctx, seed.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WebhookJobStatusDeadLetter, dead.Status)
	assert.Equal(t, worker.config.MaxAttempts, dead.AttemptCount)
	require.NotNil(t, dead.LastError)
	assert.Contains(t, *dead.LastError, "retries exhausted after 3 attempts")

	require.Len(t, publisher.alerts, 1)
	assert.Equal(t, "dead_letter", publisher.alerts[0].Kind)
	assert.Equal(t, "evt_down", publisher.alerts[0].EventID)
	assert.Contains(t, publisher.alerts[0].Reason, "retries exhausted")

	next, err := database.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCalculateBackoff(t *testing.T) {
	worker := &Worker{config: &WorkerConfig{
		BaseBackoff: time.Second,
		MaxBackoff:  60 * time.Second,
	}}

	assert.Equal(t, 1*time.Second, worker.calculateBackoff(1))
	assert.Equal(t, 2*time.Second, worker.calculateBackoff(2))
	assert.Equal(t, 4*time.Second, worker.calculateBackoff(3))
	assert.Equal(t, 32*time.Second, worker.calculateBackoff(6))
	assert.Equal(t, 60*time.Second, worker.calculateBackoff(7))
	assert.Equal(t, 60*time.Second, worker.calculateBackoff(20))
}

func TestStartStop(t *testing.T) {
	worker, database, _ := newTestWorker(t)
	ctx := context.Background()

	org := createOrg(t, database, 0)
	enqueue(t, database, EventTypePaymentSucceeded,
		"evt_bg", paymentPayload("evt_bg", org.ID, 1000, "pay_bg"))

	worker.Start(ctx)

	require.Eventually(t, func() bool {
		updated, err := database.GetOrganizationByID(ctx, org.ID)
		return err == nil && updated.WalletBalancePence == 1000
	}, 5*time.Second, 20*time.Millisecond)

	worker.Stop()
}
