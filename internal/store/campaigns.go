package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/models"
)

type Campaigns struct {
	db *sql.DB
}

func NewCampaigns(db *sql.DB) *Campaigns {
	return &Campaigns{db: db}
}

var _ CampaignRepository = (*Campaigns)(nil)

const (
	ensureCampaignSQL = `INSERT INTO campaigns (id, channel_type, status, pending_jobs, updated_at)
VALUES ($1, $2, 'READY', 0, now())
ON CONFLICT (id) DO NOTHING`

	selectCampaignSQL = `SELECT id, channel_type, status, pending_jobs, last_error, stats, updated_at
FROM campaigns WHERE id = $1`

	markEnqueuedSQL = `UPDATE campaigns SET status = 'ENQUEUED', pending_jobs = $2, last_error = NULL, updated_at = now()
WHERE id = $1 AND status = ANY($3)`

	transitionSQL = `UPDATE campaigns SET status = $2, updated_at = now()
WHERE id = $1 AND status = ANY($3)`

	markStoppedSQL = `UPDATE campaigns SET status = 'STOPPED', last_error = COALESCE(NULLIF($2, ''), last_error), updated_at = now()
WHERE id = $1 AND status = ANY($3)`

	completeJobSQL = `WITH counted AS (
    INSERT INTO campaign_completed_jobs (campaign_id, job_id) VALUES ($1, $2)
    ON CONFLICT (campaign_id, job_id) DO NOTHING
    RETURNING job_id
)
UPDATE campaigns SET pending_jobs = GREATEST(pending_jobs - (SELECT count(*) FROM counted), 0), updated_at = now()
WHERE id = $1
RETURNING pending_jobs, status, (SELECT count(*) FROM counted)`

	markLoggedSQL = `UPDATE campaigns SET status = 'LOGGED', stats = $2, updated_at = now()
WHERE id = $1 AND status = ANY($3)`
)

// Ensure creates the campaign row in READY if it does not exist yet.
func (c *Campaigns) Ensure(ctx context.Context, id int64, channel models.ChannelType) error {
	if _, err := c.db.ExecContext(ctx, ensureCampaignSQL, id, string(channel)); err != nil {
		return errors.NewStoreUnavailableError("ensure_campaign", err)
	}
	return nil
}

func (c *Campaigns) Get(ctx context.Context, id int64) (*models.Campaign, error) {
	var (
		camp      models.Campaign
		channel   string
		status    string
		lastError sql.NullString
		stats     []byte
	)
	err := c.db.QueryRowContext(ctx, selectCampaignSQL, id).Scan(
		&camp.ID, &channel, &status, &camp.PendingJobs, &lastError, &stats, &camp.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.NewStoreUnavailableError("get_campaign", err)
	}

	camp.ChannelType = models.ChannelType(channel)
	camp.Status = models.JobStatus(status)
	camp.LastError = lastError.String
	if len(stats) > 0 {
		camp.Stats = &models.CampaignStats{}
		if err := json.Unmarshal(stats, camp.Stats); err != nil {
			return nil, fmt.Errorf("decode campaign stats: %w", err)
		}
	}
	return &camp, nil
}

// MarkEnqueued moves the campaign to ENQUEUED. Leaving SENT, STOPPED or
// LOGGED requires redispatch.
func (c *Campaigns) MarkEnqueued(ctx context.Context, id int64, pendingJobs int, redispatch bool) error {
	res, err := c.db.ExecContext(ctx, markEnqueuedSQL, id, pendingJobs, pq.Array(statusStrings(enqueueableFrom(redispatch))))
	if err != nil {
		return errors.NewStoreUnavailableError("mark_enqueued", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewInvalidStatusError(id, string(models.JobEnqueued))
	}
	return nil
}

// Transition moves the campaign to `to` only from one of `from`.
func (c *Campaigns) Transition(ctx context.Context, id int64, from []models.JobStatus, to models.JobStatus) (bool, error) {
	res, err := c.db.ExecContext(ctx, transitionSQL, id, string(to), pq.Array(statusStrings(from)))
	if err != nil {
		return false, errors.NewStoreUnavailableError("transition_campaign", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkStopped keeps the previous error when lastError is empty.
func (c *Campaigns) MarkStopped(ctx context.Context, id int64, lastError string) (bool, error) {
	res, err := c.db.ExecContext(ctx, markStoppedSQL, id, lastError, pq.Array(statusStrings(AllowedFrom(models.JobStopped))))
	if err != nil {
		return false, errors.NewStoreUnavailableError("mark_stopped", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteJob decrements the campaign's outstanding job count once per job
// id. A redelivered job that completes again leaves the count alone.
func (c *Campaigns) CompleteJob(ctx context.Context, id int64, jobID string) (*JobCompletion, error) {
	var (
		done    JobCompletion
		status  string
		counted int
	)
	err := c.db.QueryRowContext(ctx, completeJobSQL, id, jobID).Scan(&done.Remaining, &status, &counted)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.NewStoreUnavailableError("complete_job", err)
	}
	done.Status = models.JobStatus(status)
	done.Duplicate = counted == 0
	return &done, nil
}

func (c *Campaigns) MarkLogged(ctx context.Context, id int64, stats models.CampaignStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal campaign stats: %w", err)
	}
	res, err := c.db.ExecContext(ctx, markLoggedSQL, id, raw, pq.Array(statusStrings(AllowedFrom(models.JobLogged))))
	if err != nil {
		return errors.NewStoreUnavailableError("mark_logged", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewInvalidStatusError(id, string(models.JobLogged))
	}
	return nil
}
