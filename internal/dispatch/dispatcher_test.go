package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/queue"
	"github.com/krisnaDGC/postmangovsg/internal/common/validation"
	"github.com/krisnaDGC/postmangovsg/internal/models"
	"github.com/krisnaDGC/postmangovsg/internal/store"
)

// ==========================
// Test Helper Functions
// ==========================

type fixture struct {
	dispatcher *Dispatcher
	send       *queue.Queue
	log        *queue.Queue
	stores     *store.Stores
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.NewTestLogger(t)
	send, err := queue.New(rdb, queue.Options{Prefix: "test", Name: "send", MaxAttempts: 3, Schema: validation.SendJobSchema}, log)
	require.NoError(t, err)
	logq, err := queue.New(rdb, queue.Options{Prefix: "test", Name: "log", MaxAttempts: 5, Schema: validation.LogJobSchema}, log)
	require.NoError(t, err)

	stores := store.NewMemoryStores()
	return &fixture{
		dispatcher: New(Config{BatchSize: batchSize}, send, logq, stores.Messages, stores.Campaigns, log),
		send:       send,
		log:        logq,
		stores:     stores,
	}
}

func recipients(n int) []models.Recipient {
	out := make([]models.Recipient, n)
	for i := range out {
		out[i] = models.Recipient{Recipient: fmt.Sprintf("+6591234%03d", i), Params: map[string]string{"name": fmt.Sprintf("user %d", i)}}
	}
	return out
}

func smsRequest(id int64, n int) DispatchRequest {
	return DispatchRequest{
		CampaignID:  id,
		ChannelType: models.ChannelSMS,
		Template:    models.Template{Body: "Hi {{name}}"},
		Recipients:  recipients(n),
	}
}

func waiting(t *testing.T, q *queue.Queue) int64 {
	t.Helper()
	c, err := q.Counts(context.Background())
	require.NoError(t, err)
	return c.Waiting
}

func campaign(t *testing.T, f *fixture, id int64) *models.Campaign {
	t.Helper()
	c, err := f.stores.Campaigns.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

// ==========================
// Dispatch Tests
// ==========================

func TestDispatch_SplitsIntoBatches(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	res, err := f.dispatcher.Dispatch(ctx, smsRequest(7, 5))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Recipients)
	assert.Len(t, res.JobIDs, 3)
	assert.Equal(t, int64(3), waiting(t, f.send))

	c := campaign(t, f, 7)
	assert.Equal(t, models.JobEnqueued, c.Status)
	assert.Equal(t, 3, c.PendingJobs)

	stats, err := f.stores.Messages.CountByStatus(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Unsent)

	job, err := f.send.Claim(ctx)
	require.NoError(t, err)
	var sj models.SendJob
	require.NoError(t, job.Decode(&sj))
	assert.Equal(t, models.JobKindSend, sj.Kind)
	assert.Equal(t, models.ChannelSMS, sj.ChannelType)
	assert.Len(t, sj.Data.Recipients, 2)
	assert.Equal(t, int64(7), job.CampaignID)
}

func TestDispatch_RejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, 10)

	tests := []struct {
		name string
		req  DispatchRequest
	}{
		{"no campaign id", DispatchRequest{ChannelType: models.ChannelSMS, Recipients: recipients(1)}},
		{"unknown channel", DispatchRequest{CampaignID: 1, ChannelType: "FAX", Recipients: recipients(1)}},
		{"no recipients", DispatchRequest{CampaignID: 1, ChannelType: models.ChannelSMS}},
		{"email without subject", DispatchRequest{CampaignID: 1, ChannelType: models.ChannelEmail, Template: models.Template{Body: "x"}, Recipients: recipients(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.dispatcher.Dispatch(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, string(errors.ErrCodeJobInvalid), errors.CodeOf(err))
		})
	}
	assert.Equal(t, int64(0), waiting(t, f.send))
}

func TestDispatch_OnlyFromReady(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, smsRequest(1, 2))
	require.NoError(t, err)

	_, err = f.dispatcher.Dispatch(ctx, smsRequest(1, 2))
	require.Error(t, err)
	assert.Equal(t, string(errors.ErrCodeInvalidStatus), errors.CodeOf(err))
	assert.Equal(t, int64(1), waiting(t, f.send))
}

// ==========================
// Completion Tests
// ==========================

func TestFinishJob_LastJobMarksSentAndEnqueuesLog(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, smsRequest(3, 2))
	require.NoError(t, err)
	_, err = f.stores.Campaigns.Transition(ctx, 3, []models.JobStatus{models.JobEnqueued}, models.JobSending)
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.FinishJob(ctx, 3, "job-1", models.ChannelSMS))
	assert.Equal(t, models.JobSending, campaign(t, f, 3).Status)
	assert.Equal(t, int64(0), waiting(t, f.log))

	require.NoError(t, f.dispatcher.FinishJob(ctx, 3, "job-2", models.ChannelSMS))
	assert.Equal(t, models.JobSent, campaign(t, f, 3).Status)
	assert.Equal(t, int64(1), waiting(t, f.log))

	job, err := f.log.Claim(ctx)
	require.NoError(t, err)
	var lj models.LogJob
	require.NoError(t, job.Decode(&lj))
	assert.Equal(t, models.LogJob{Kind: models.JobKindLog, CampaignID: 3, ChannelType: models.ChannelSMS}, lj)
}

func TestFinishJob_StoppedCampaignStaysStopped(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, smsRequest(4, 2))
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Stop(ctx, 4))

	require.NoError(t, f.dispatcher.FinishJob(ctx, 4, "job-1", models.ChannelSMS))
	assert.Equal(t, models.JobStopped, campaign(t, f, 4).Status)
	assert.Equal(t, int64(1), waiting(t, f.log))
}

func TestFinishJob_RedeliveredJobIsCountedOnce(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	res, err := f.dispatcher.Dispatch(ctx, smsRequest(7, 2))
	require.NoError(t, err)
	require.Len(t, res.JobIDs, 2)
	_, err = f.stores.Campaigns.Transition(ctx, 7, []models.JobStatus{models.JobEnqueued}, models.JobSending)
	require.NoError(t, err)

	first, err := f.send.Claim(ctx)
	require.NoError(t, err)

	// The worker finished the batch but lost its lock before acking, so the
	// same job is delivered and finished again.
	require.NoError(t, f.dispatcher.FinishJob(ctx, 7, first.ID, models.ChannelSMS))
	require.NoError(t, f.dispatcher.FinishJob(ctx, 7, first.ID, models.ChannelSMS))

	c := campaign(t, f, 7)
	assert.Equal(t, models.JobSending, c.Status)
	assert.Equal(t, 1, c.PendingJobs)
	assert.Equal(t, int64(0), waiting(t, f.log))
	assert.Equal(t, int64(1), waiting(t, f.send), "the second batch is still waiting")

	second, err := f.send.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.FinishJob(ctx, 7, second.ID, models.ChannelSMS))
	assert.Equal(t, models.JobSent, campaign(t, f, 7).Status)
	assert.Equal(t, int64(1), waiting(t, f.log))

	require.NoError(t, f.stores.Campaigns.MarkLogged(ctx, 7, models.CampaignStats{Total: 2}))
	require.NoError(t, f.dispatcher.FinishJob(ctx, 7, second.ID, models.ChannelSMS))
	assert.Equal(t, int64(1), waiting(t, f.log), "a logged campaign gets no new log job")
	assert.Equal(t, models.JobLogged, campaign(t, f, 7).Status)
}

func TestFinishJob_LastJobRetriedAfterLogEnqueueFailure(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, smsRequest(11, 1))
	require.NoError(t, err)

	// A log queue that rejects the first enqueue.
	flaky := &flakyLogQueue{LogQueue: f.log, failures: 1}
	d := New(Config{BatchSize: 10}, f.send, flaky, f.stores.Messages, f.stores.Campaigns, logger.NewTestLogger(t))

	err = d.FinishJob(ctx, 11, "job-1", models.ChannelSMS)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, int64(0), waiting(t, f.log))

	require.NoError(t, d.FinishJob(ctx, 11, "job-1", models.ChannelSMS))
	assert.Equal(t, models.JobSent, campaign(t, f, 11).Status)
	assert.Equal(t, 0, campaign(t, f, 11).PendingJobs)
	assert.Equal(t, int64(1), waiting(t, f.log))
}

type flakyLogQueue struct {
	LogQueue
	failures int
}

func (q *flakyLogQueue) Enqueue(ctx context.Context, campaignID int64, payload interface{}) (string, error) {
	if q.failures > 0 {
		q.failures--
		return "", errors.New("redis: connection reset")
	}
	return q.LogQueue.Enqueue(ctx, campaignID, payload)
}

// ==========================
// Stop / Redispatch Tests
// ==========================

func TestStop(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, smsRequest(5, 1))
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Stop(ctx, 5))

	stopped, err := f.send.IsCampaignStopped(ctx, 5)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, models.JobStopped, campaign(t, f, 5).Status)

	// Logged campaigns cannot be stopped.
	require.NoError(t, f.stores.Campaigns.MarkLogged(ctx, 5, models.CampaignStats{}))
	err = f.dispatcher.Stop(ctx, 5)
	require.Error(t, err)
	assert.Equal(t, string(errors.ErrCodeInvalidStatus), errors.CodeOf(err))
}

func TestRedispatch_OnlyPendingRecipients(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	req := smsRequest(6, 3)

	_, err := f.dispatcher.Dispatch(ctx, req)
	require.NoError(t, err)
	job, err := f.send.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, f.send.Ack(ctx, job.ID, job.Token))

	ok, err := f.stores.Messages.MarkSending(ctx, 6, req.Recipients[0].Recipient, "pid-0", time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.dispatcher.Stop(ctx, 6))

	// Not allowed while the campaign is still in flight elsewhere.
	_, err = f.stores.Campaigns.Transition(ctx, 6, []models.JobStatus{models.JobStopped}, models.JobSending)
	require.NoError(t, err)
	_, err = f.dispatcher.Redispatch(ctx, 6, req.Template, false)
	require.Error(t, err)
	_, err = f.stores.Campaigns.Transition(ctx, 6, []models.JobStatus{models.JobSending}, models.JobStopped)
	require.NoError(t, err)

	res, err := f.dispatcher.Redispatch(ctx, 6, req.Template, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recipients)
	assert.Len(t, res.JobIDs, 1)

	stopped, err := f.send.IsCampaignStopped(ctx, 6)
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Equal(t, models.JobEnqueued, campaign(t, f, 6).Status)

	job, err = f.send.Claim(ctx)
	require.NoError(t, err)
	var sj models.SendJob
	require.NoError(t, job.Decode(&sj))
	require.Len(t, sj.Data.Recipients, 2)
	for _, r := range sj.Data.Recipients {
		assert.NotEqual(t, req.Recipients[0].Recipient, r.Recipient)
	}
}

func TestRedispatch_NothingPending(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	req := smsRequest(8, 1)

	_, err := f.dispatcher.Dispatch(ctx, req)
	require.NoError(t, err)
	_, err = f.stores.Messages.MarkFailed(ctx, 8, req.Recipients[0].Recipient, models.Failure{Status: models.StatusError}, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.FinishJob(ctx, 8, "job-1", models.ChannelSMS))

	res, err := f.dispatcher.Redispatch(ctx, 8, req.Template, false)
	require.NoError(t, err)
	assert.Empty(t, res.JobIDs)
	assert.Equal(t, models.JobSent, campaign(t, f, 8).Status)
}

// ==========================
// Queue Signal Tests
// ==========================

func TestHandleFailedJob_StopsCampaign(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.send.OnFailed(f.dispatcher.HandleFailedJob)

	_, err := f.dispatcher.Dispatch(ctx, smsRequest(9, 2))
	require.NoError(t, err)
	job, err := f.send.Claim(ctx)
	require.NoError(t, err)

	dead, err := f.send.Fail(ctx, job.ID, job.Token, errors.NewJobInvalidError(errors.New("bad template")), false)
	require.NoError(t, err)
	require.True(t, dead)

	c := campaign(t, f, 9)
	assert.Equal(t, models.JobStopped, c.Status)
	assert.Contains(t, c.LastError, "Job payload is invalid")
	assert.Equal(t, 0, c.PendingJobs)
	assert.Equal(t, int64(1), waiting(t, f.log), "a failed campaign is still logged")
}

func TestHandleFailedJob_LogQueueOnlyLogs(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, smsRequest(10, 1))
	require.NoError(t, err)

	f.dispatcher.HandleFailedJob(ctx, &queue.Job{ID: "x", Queue: "log", CampaignID: 10}, errors.New("boom"))
	assert.Equal(t, models.JobEnqueued, campaign(t, f, 10).Status)
	f.dispatcher.HandleStalledJobs(ctx, 2)
}
