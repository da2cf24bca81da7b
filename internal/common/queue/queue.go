// Package queue implements a durable, at-least-once job queue on Redis.
//
// A job id moves between a wait list, an active sorted set scored by lock
// deadline, a delayed sorted set for backoff retries and a failed list of
// dead letters. Every transition runs in a Lua script so a job is held by at
// most one worker at a time.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/krisnaDGC/postmangovsg/internal/common/config"
	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/metrics"
	"github.com/krisnaDGC/postmangovsg/internal/common/validation"
)

var (
	ErrJobNotActive = errors.New("job is not active")
	ErrJobNotFound  = errors.New("job not found")
)

// Job is a claimed unit of work. Token identifies the claim: Ack, Extend and
// Fail are refused once the job is requeued or reclaimed under another token.
type Job struct {
	ID          string
	Queue       string
	Token       string
	CampaignID  int64
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
	Stalled     int
	LastError   string
	EnqueuedAt  time.Time
	FailedAt    time.Time
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// IsLastAttempt reports whether a failure now would dead-letter the job.
func (j *Job) IsLastAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// Ref identifies the job for error reporting.
func (j *Job) Ref() errors.JobRef {
	return errors.JobRef{ID: j.ID, Token: j.Token, Queue: j.Queue, Attempts: j.Attempts, MaxAttempts: j.MaxAttempts}
}

// FailedHandler is called once a job lands in the dead-letter list.
type FailedHandler func(ctx context.Context, job *Job, cause error)

type Options struct {
	Prefix          string
	Name            string
	PollInterval    time.Duration
	LockDuration    time.Duration
	Backoff         time.Duration
	MaxAttempts     int
	MaxStalledCount int
	// Schema, when set, is a JSON schema every enqueued payload must satisfy.
	Schema string
}

// OptionsFromConfig builds the options for a named queue. The log queue
// uses its own retry budget.
func OptionsFromConfig(cfg config.QueueConfig, name, schema string) Options {
	opts := Options{
		Prefix:          cfg.Prefix,
		Name:            name,
		PollInterval:    config.GetDuration(cfg.PollInterval),
		LockDuration:    config.GetDuration(cfg.LockDuration),
		Backoff:         config.GetDuration(cfg.Backoff),
		MaxAttempts:     cfg.MaxAttempts,
		MaxStalledCount: cfg.MaxStalledCount,
		Schema:          schema,
	}
	if name == "log" {
		opts.MaxAttempts = cfg.LogMaxAttempts
		opts.Backoff = config.GetDuration(cfg.LogBackoff)
	}
	return opts
}

type Queue struct {
	rdb      redis.UniversalClient
	opts     Options
	schema   *validation.Schema
	logger   logger.Logger
	onFailed FailedHandler
	now      func() time.Time
}

func New(rdb redis.UniversalClient, opts Options, log logger.Logger) (*Queue, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "pipeline"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	q := &Queue{
		rdb:    rdb,
		opts:   opts,
		logger: log.WithFields(map[string]interface{}{"queue": opts.Name}),
		now:    time.Now,
	}
	if opts.Schema != "" {
		schema, err := validation.Compile(opts.Schema)
		if err != nil {
			return nil, err
		}
		q.schema = schema
	}
	return q, nil
}

func (q *Queue) Name() string { return q.opts.Name }

func (q *Queue) LockDuration() time.Duration { return q.opts.LockDuration }

// OnFailed registers the dead-letter handler.
func (q *Queue) OnFailed(h FailedHandler) { q.onFailed = h }

func (q *Queue) key(suffix string) string {
	return q.opts.Prefix + ":" + q.opts.Name + ":" + suffix
}

func (q *Queue) jobKeyPrefix() string { return q.key("job:") }

func (q *Queue) jobKey(id string) string { return q.jobKeyPrefix() + id }

func (q *Queue) stoppedKey() string { return q.opts.Prefix + ":stopped" }

func millis(t time.Time) int64 { return t.UnixMilli() }

// Enqueue validates and persists payload, then makes it claimable.
func (q *Queue) Enqueue(ctx context.Context, campaignID int64, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.NewJobInvalidError(err)
	}
	if q.schema != nil {
		if err := q.schema.Validate(raw); err != nil {
			return "", errors.NewJobInvalidError(err)
		}
	}

	id := uuid.New().String()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
		"payload":      string(raw),
		"campaign_id":  campaignID,
		"attempts":     0,
		"max_attempts": q.opts.MaxAttempts,
		"stalled":      0,
		"enqueued_at":  millis(q.now()),
	})
	pipe.LPush(ctx, q.key("wait"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Debug("job enqueued", map[string]interface{}{"jobId": id, "campaignId": campaignID})
	return id, nil
}

// Claim blocks until a job is available or ctx is done.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.TryClaim(ctx)
		if err != nil || job != nil {
			return job, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryClaim claims the next ready job, returning nil when none is waiting.
func (q *Queue) TryClaim(ctx context.Context) (*Job, error) {
	now := q.now()
	token := uuid.New().String()
	keys := []string{q.key("wait"), q.key("delayed"), q.key("active")}
	id, err := claimScript.Run(ctx, q.rdb, keys,
		millis(now), millis(now.Add(q.opts.LockDuration)), q.jobKeyPrefix(), token).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	job, err := q.Get(ctx, id)
	if err == ErrJobNotFound {
		// Payload vanished underneath the id; drop the lock so it is not requeued forever.
		q.rdb.ZRem(ctx, q.key("active"), id)
		q.logger.Warn("claimed job without payload", map[string]interface{}{"jobId": id})
		return nil, nil
	}
	return job, err
}

// Get loads a job by id regardless of its state.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	job := &Job{
		ID:        id,
		Queue:     q.opts.Name,
		Token:     fields["token"],
		Payload:   json.RawMessage(fields["payload"]),
		LastError: fields["last_error"],
	}
	job.CampaignID, _ = strconv.ParseInt(fields["campaign_id"], 10, 64)
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.Stalled, _ = strconv.Atoi(fields["stalled"])
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["failed_at"], 10, 64); err == nil {
		job.FailedAt = time.UnixMilli(ms)
	}
	return job, nil
}

// Ack removes a completed job held under token.
func (q *Queue) Ack(ctx context.Context, id, token string) error {
	n, err := ackScript.Run(ctx, q.rdb, []string{q.key("active"), q.jobKey(id)}, id, token).Int()
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	if n == 0 {
		return ErrJobNotActive
	}
	return nil
}

// Extend pushes the lock deadline of an active job forward.
func (q *Queue) Extend(ctx context.Context, id, token string) error {
	lockUntil := millis(q.now().Add(q.opts.LockDuration))
	n, err := extendScript.Run(ctx, q.rdb, []string{q.key("active"), q.jobKey(id)}, id, lockUntil, token).Int()
	if err != nil {
		return fmt.Errorf("extend job lock: %w", err)
	}
	if n == 0 {
		return ErrJobNotActive
	}
	return nil
}

// Fail records a handler failure. Retryable failures with attempts left are
// scheduled after an exponential backoff; anything else is dead-lettered and
// handed to the failure handler.
func (q *Queue) Fail(ctx context.Context, id, token string, cause error, retryable bool) (bool, error) {
	flag := "0"
	if retryable {
		flag = "1"
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	keys := []string{q.key("active"), q.key("delayed"), q.key("failed"), q.jobKey(id)}
	res, err := failScript.Run(ctx, q.rdb, keys,
		id, flag, millis(q.now()), q.opts.Backoff.Milliseconds(), msg, token).Int()
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}

	switch res {
	case -1:
		return false, ErrJobNotActive
	case 0:
		return false, nil
	}

	q.deadLettered(ctx, id, cause)
	return true, nil
}

func (q *Queue) deadLettered(ctx context.Context, id string, cause error) {
	metrics.QueueJobsDeadLettered.WithLabelValues(q.opts.Name).Inc()
	if q.onFailed == nil {
		return
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		q.logger.Error("failed to load dead-lettered job", map[string]interface{}{"jobId": id, "error": err})
		return
	}
	q.onFailed(ctx, job, cause)
}

// CheckStalled requeues active jobs whose lock expired. Jobs that stalled
// more than MaxStalledCount times are dead-lettered instead.
func (q *Queue) CheckStalled(ctx context.Context) (int, error) {
	keys := []string{q.key("active"), q.key("wait"), q.key("failed")}
	stalledErr := errors.NewQueueStalledError("", q.opts.MaxStalledCount)
	res, err := stalledScript.Run(ctx, q.rdb, keys,
		millis(q.now()), q.opts.MaxStalledCount, q.jobKeyPrefix(), stalledErr.Message).Slice()
	if err != nil {
		return 0, fmt.Errorf("check stalled jobs: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("check stalled jobs: unexpected reply %v", res)
	}

	requeued, _ := res[0].(int64)
	dead, _ := res[1].([]interface{})
	for _, v := range dead {
		id, _ := v.(string)
		job, err := q.Get(ctx, id)
		stalled := 0
		if err == nil {
			stalled = job.Stalled
		}
		q.deadLettered(ctx, id, errors.NewQueueStalledError(id, stalled))
	}
	return int(requeued) + len(dead), nil
}

// StopCampaign raises the stop signal for a campaign. Workers discard its
// jobs at claim time.
func (q *Queue) StopCampaign(ctx context.Context, campaignID int64) error {
	return q.rdb.SAdd(ctx, q.stoppedKey(), campaignID).Err()
}

func (q *Queue) ResumeCampaign(ctx context.Context, campaignID int64) error {
	return q.rdb.SRem(ctx, q.stoppedKey(), campaignID).Err()
}

func (q *Queue) IsCampaignStopped(ctx context.Context, campaignID int64) (bool, error) {
	return q.rdb.SIsMember(ctx, q.stoppedKey(), campaignID).Result()
}

// DeadLetters returns up to limit dead-lettered jobs, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.rdb.LRange(ctx, q.key("failed"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err == ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryDeadLetter moves a dead-lettered job back to the wait list with a fresh attempt budget.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string) error {
	keys := []string{q.key("failed"), q.key("wait"), q.jobKey(id)}
	n, err := retryScript.Run(ctx, q.rdb, keys, id).Int()
	if err != nil {
		return fmt.Errorf("retry dead letter: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Counts is a snapshot of queue depth.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.LLen(ctx, q.key("wait"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue counts: %w", err)
	}
	return Counts{
		Waiting: wait.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
	}, nil
}
