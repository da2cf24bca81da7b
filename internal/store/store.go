// Package store persists messages, campaigns and the email blacklist.
// Every status write is a compare-and-set: a message only moves out of
// pending or SENDING, never out of a terminal status.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/krisnaDGC/postmangovsg/internal/models"
)

var ErrNotFound = stderrors.New("record not found")

type MessageRepository interface {
	CreatePending(ctx context.Context, campaignID int64, recipients []models.Recipient) (int, error)
	Get(ctx context.Context, campaignID int64, recipient string) (*models.Message, error)
	MarkDequeued(ctx context.Context, campaignID int64, recipient string, at time.Time) error
	MarkSending(ctx context.Context, campaignID int64, recipient, providerMessageID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, campaignID int64, recipient string, f models.Failure, at time.Time) (bool, error)
	ApplyOutcome(ctx context.Context, o models.Outcome) (*models.Message, bool, error)
	MarkReceived(ctx context.Context, providerMessageID string, at time.Time) (bool, error)
	CountByStatus(ctx context.Context, campaignID int64) (models.CampaignStats, error)
	PendingRecipients(ctx context.Context, campaignID int64) ([]models.Recipient, error)
}

type CampaignRepository interface {
	Ensure(ctx context.Context, id int64, channel models.ChannelType) error
	Get(ctx context.Context, id int64) (*models.Campaign, error)
	MarkEnqueued(ctx context.Context, id int64, pendingJobs int, redispatch bool) error
	Transition(ctx context.Context, id int64, from []models.JobStatus, to models.JobStatus) (bool, error)
	MarkStopped(ctx context.Context, id int64, lastError string) (bool, error)
	CompleteJob(ctx context.Context, id int64, jobID string) (*JobCompletion, error)
	MarkLogged(ctx context.Context, id int64, stats models.CampaignStats) error
}

// JobCompletion is the campaign as left by CompleteJob.
type JobCompletion struct {
	Remaining int
	Status    models.JobStatus
	// Duplicate is set when the job had already been counted, so nothing changed.
	Duplicate bool
}

type BlacklistRepository interface {
	IsBlacklisted(ctx context.Context, recipient string) (bool, error)
	Add(ctx context.Context, recipient, reason string) error
}

// Stores groups the repositories a process works with.
type Stores struct {
	Messages  MessageRepository
	Campaigns CampaignRepository
	Blacklist BlacklistRepository
}

// Open returns Postgres-backed stores for driver "postgres" and in-process
// stores for "memory".
func Open(driver string, db *sql.DB) (*Stores, error) {
	switch driver {
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres store needs a database handle")
		}
		return &Stores{
			Messages:  NewMessages(db),
			Campaigns: NewCampaigns(db),
			Blacklist: NewBlacklist(db),
		}, nil
	case "memory":
		return NewMemoryStores(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

var enteredFrom = map[models.JobStatus][]models.JobStatus{
	models.JobSending: {models.JobEnqueued},
	models.JobSent:    {models.JobEnqueued, models.JobSending},
	models.JobStopped: {models.JobReady, models.JobEnqueued, models.JobSending, models.JobStopped},
	models.JobLogged:  {models.JobSent, models.JobStopped},
}

// AllowedFrom lists the campaign statuses `to` may be entered from.
// ENQUEUED is handled by MarkEnqueued.
func AllowedFrom(to models.JobStatus) []models.JobStatus {
	return enteredFrom[to]
}

func enqueueableFrom(redispatch bool) []models.JobStatus {
	if redispatch {
		return append([]models.JobStatus{models.JobReady}, models.RedispatchableFrom...)
	}
	return []models.JobStatus{models.JobReady}
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
