// internal/workers/send/log-campaign/handler.go
package logcampaign

import (
	"context"
	"fmt"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/queue"
	"github.com/krisnaDGC/postmangovsg/internal/models"
)

type MessageCounter interface {
	CountByStatus(ctx context.Context, campaignID int64) (models.CampaignStats, error)
}

type CampaignLogger interface {
	Get(ctx context.Context, id int64) (*models.Campaign, error)
	MarkLogged(ctx context.Context, id int64, stats models.CampaignStats) error
}

// Handler summarizes a sent campaign once its delivery outcomes are in.
type Handler struct {
	messages  MessageCounter
	campaigns CampaignLogger
	logger    logger.Logger
}

func NewHandler(messages MessageCounter, campaigns CampaignLogger, log logger.Logger) *Handler {
	return &Handler{
		messages:  messages,
		campaigns: campaigns,
		logger:    log.WithFields(map[string]interface{}{"queue": QueueName}),
	}
}

// Handle marks the campaign LOGGED once no message is pending or SENDING.
// Until then it fails retryably so the queue checks again after its backoff.
// On the last attempt the campaign is logged with whatever is outstanding.
func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var input models.LogJob
	if err := job.Decode(&input); err != nil {
		return errors.NewJobInvalidError(fmt.Errorf("parse log job: %w", err))
	}
	if input.Kind != models.JobKindLog || input.CampaignID <= 0 {
		return errors.NewJobInvalidError(fmt.Errorf("unexpected log job kind %q campaign %d", input.Kind, input.CampaignID))
	}

	stats, err := h.messages.CountByStatus(ctx, input.CampaignID)
	if err != nil {
		return errors.NewStoreUnavailableError("count messages", err)
	}

	if outstanding := stats.Outstanding(); outstanding > 0 {
		if !job.IsLastAttempt() {
			h.logger.Debug("campaign outcomes pending", map[string]interface{}{
				"campaignId":  input.CampaignID,
				"outstanding": outstanding,
				"attempt":     job.Attempts,
			})
			return errors.NewOutcomesPendingError(input.CampaignID, outstanding)
		}
		h.logger.Warn("logging campaign with outcomes still pending", map[string]interface{}{
			"campaignId":  input.CampaignID,
			"outstanding": outstanding,
		})
	}

	if err := h.campaigns.MarkLogged(ctx, input.CampaignID, stats); err != nil {
		// A repeated log job for a campaign that is already logged is done.
		if camp, getErr := h.campaigns.Get(ctx, input.CampaignID); getErr == nil && camp.Status == models.JobLogged {
			h.logger.Info("campaign already logged", map[string]interface{}{"campaignId": input.CampaignID, "jobId": job.ID})
			return nil
		}
		return err
	}
	h.logger.Info("campaign logged", map[string]interface{}{
		"campaignId":       input.CampaignID,
		"channelType":      string(input.ChannelType),
		"total":            stats.Total,
		"success":          stats.Success,
		"error":            stats.Error,
		"invalidRecipient": stats.InvalidRecipient,
		"outstanding":      stats.Outstanding(),
	})
	return nil
}
