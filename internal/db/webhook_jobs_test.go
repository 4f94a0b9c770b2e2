package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPayload = []byte(`{"event_id":"evt_1","event_type":"payment.succeeded","data":{}}`)

func TestEnqueueWebhookJob_Dedup(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	job, enqueued, err := db.EnqueueWebhookJob(ctx, "stripe", "evt_1", "payment.succeeded", testPayload)
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.Equal(t, WebhookJobStatusPending, job.Status)
	assert.Equal(t, 0, job.AttemptCount)

	// Redelivery of the same event coalesces onto the existing job
	dup, enqueued, err := db.EnqueueWebhookJob(ctx, "stripe", "evt_1", "payment.succeeded", testPayload)
	require.NoError(t, err)
	assert.False(t, enqueued)
	assert.Equal(t, job.ID, dup.ID)

	// Same event id from a different provider is a different job
	other, enqueued, err := db.EnqueueWebhookJob(ctx, "twilio", "evt_1", "call.completed", testPayload)
	require.NoError(t, err)
	assert.True(t, enqueued)
	assert.NotEqual(t, job.ID, other.ID)
}

func TestClaimNextWebhookJob(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	_, _, err := db.EnqueueWebhookJob(ctx, "stripe", "evt_1", "payment.succeeded", testPayload)
	require.NoError(t, err)

	claimed, err := db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, WebhookJobStatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.AttemptCount)
	require.NotNil(t, claimed.ClaimedAt)

	// Nothing else is due
	none, err := db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestScheduleWebhookJobRetry(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	_, _, err := db.EnqueueWebhookJob(ctx, "stripe", "evt_1", "payment.succeeded", testPayload)
	require.NoError(t, err)

	claimed, err := db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = db.ScheduleWebhookJobRetry(ctx, claimed.ID, time.Now().Add(time.Hour), "connection refused")
	require.NoError(t, err)

	// Not claimable until the retry time arrives
	none, err := db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	job, err := db.GetWebhookJobByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, WebhookJobStatusPending, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "connection refused", *job.LastError)

	// Pull the retry time into the past and it becomes claimable again,
	// preserving the attempt count
	err = db.ScheduleWebhookJobRetry(ctx, claimed.ID, time.Now().Add(-time.Second), "connection refused")
	assert.Error(t, err, "retry scheduling requires processing state")

	_, err = db.Pool().Exec(ctx, `UPDATE webhook_jobs SET next_retry_at = NOW() WHERE id = $1`, claimed.ID)
	require.NoError(t, err)

	reclaimed, err := db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, claimed.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.AttemptCount)
}

func TestMarkWebhookJobSucceeded(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	job, _, err := db.EnqueueWebhookJob(ctx, "stripe", "evt_1", "payment.succeeded", testPayload)
	require.NoError(t, err)

	// Only processing jobs can succeed
	err = db.MarkWebhookJobSucceeded(ctx, job.ID)
	assert.Error(t, err)

	_, err = db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)

	err = db.MarkWebhookJobSucceeded(ctx, job.ID)
	require.NoError(t, err)

	done, err := db.GetWebhookJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, WebhookJobStatusSucceeded, done.Status)
	assert.NotNil(t, done.FinishedAt)
}

func TestDeadLetterAndRequeue(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	job, _, err := db.EnqueueWebhookJob(ctx, "stripe", "evt_1", "payment.succeeded", testPayload)
	require.NoError(t, err)

	_, err = db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)

	err = db.MarkWebhookJobDeadLetter(ctx, job.ID, "unknown organization")
	require.NoError(t, err)

	dead, err := db.GetWebhookJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, WebhookJobStatusDeadLetter, dead.Status)
	require.NotNil(t, dead.LastError)
	assert.Equal(t, "unknown organization", *dead.LastError)
	assert.JSONEq(t, string(testPayload), string(dead.Payload), "payload must survive dead-lettering")

	// Dead-lettered jobs are not claimable
	none, err := db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	// Operator requeue resets the attempt budget
	err = db.RequeueDeadLetterJob(ctx, job.ID)
	require.NoError(t, err)

	reclaimed, err := db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, 1, reclaimed.AttemptCount)
}

func TestRequeueStuckWebhookJobs(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	job, _, err := db.EnqueueWebhookJob(ctx, "stripe", "evt_1", "payment.succeeded", testPayload)
	require.NoError(t, err)

	_, err = db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)

	// Freshly claimed jobs are not stuck
	requeued, err := db.RequeueStuckWebhookJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), requeued)

	// Backdate the claim to simulate a crashed worker
	_, err = db.Pool().Exec(ctx, `
		UPDATE webhook_jobs SET claimed_at = NOW() - INTERVAL '1 hour' WHERE id = $1
	`, job.ID)
	require.NoError(t, err)

	requeued, err = db.RequeueStuckWebhookJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)

	reclaimed, err := db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
}

func TestCountWebhookJobsByStatus(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	_, _, err := db.EnqueueWebhookJob(ctx, "stripe", "evt_1", "payment.succeeded", testPayload)
	require.NoError(t, err)
	_, _, err = db.EnqueueWebhookJob(ctx, "stripe", "evt_2", "payment.succeeded", testPayload)
	require.NoError(t, err)

	_, err = db.ClaimNextWebhookJob(ctx)
	require.NoError(t, err)

	counts, err := db.CountWebhookJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[WebhookJobStatusPending])
	assert.Equal(t, int64(1), counts[WebhookJobStatusProcessing])
}

func TestListWebhookJobsByStatus(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		_, _, err := db.EnqueueWebhookJob(ctx, "stripe", id, "payment.succeeded", testPayload)
		require.NoError(t, err)
	}

	jobs, err := db.ListWebhookJobsByStatus(ctx, WebhookJobStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "evt_a", jobs[0].EventID, "oldest first")
}
