// internal/workers/send/send-campaign/handler.go
package sendcampaign

import (
	"context"
	"fmt"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/queue"
	"github.com/krisnaDGC/postmangovsg/internal/models"
)

const QueueName = string(models.JobKindSend)

type CampaignStore interface {
	Transition(ctx context.Context, id int64, from []models.JobStatus, to models.JobStatus) (bool, error)
}

type StopSignal interface {
	IsCampaignStopped(ctx context.Context, campaignID int64) (bool, error)
}

// JobFinisher does the campaign bookkeeping once a send job is done.
type JobFinisher interface {
	FinishJob(ctx context.Context, campaignID int64, jobID string, channel models.ChannelType) error
}

// Handler processes jobs claimed from the send queue.
type Handler struct {
	config    *Config
	service   *Service
	campaigns CampaignStore
	stops     StopSignal
	finisher  JobFinisher
	logger    logger.Logger
}

func NewHandler(config *Config, service *Service, campaigns CampaignStore, stops StopSignal, finisher JobFinisher, log logger.Logger) *Handler {
	return &Handler{
		config:    config,
		service:   service,
		campaigns: campaigns,
		stops:     stops,
		finisher:  finisher,
		logger:    log.WithFields(map[string]interface{}{"queue": QueueName}),
	}
}

func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	_, err := h.Process(ctx, job)
	return err
}

// Process sends one batch and returns what happened to each recipient. The
// job succeeds once every recipient is dispatched or individually failed.
func (h *Handler) Process(ctx context.Context, job *queue.Job) (*Report, error) {
	var input models.SendJob
	if err := job.Decode(&input); err != nil {
		return nil, errors.NewJobInvalidError(fmt.Errorf("parse send job: %w", err))
	}
	if input.Kind != models.JobKindSend || !input.ChannelType.Valid() {
		return nil, errors.NewJobInvalidError(fmt.Errorf("unexpected send job kind %q channel %q", input.Kind, input.ChannelType))
	}

	log := h.logger.WithFields(map[string]interface{}{
		"jobId":       job.ID,
		"campaignId":  input.CampaignID,
		"channelType": string(input.ChannelType),
	})

	stopped, err := h.stops.IsCampaignStopped(ctx, input.CampaignID)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("check stop signal", err)
	}
	if stopped {
		log.Info("campaign stopped, discarding job", nil)
		if err := h.finisher.FinishJob(ctx, input.CampaignID, job.ID, input.ChannelType); err != nil {
			return nil, err
		}
		return &Report{CampaignID: input.CampaignID, Stopped: true}, nil
	}

	if _, err := h.campaigns.Transition(ctx, input.CampaignID, []models.JobStatus{models.JobEnqueued}, models.JobSending); err != nil {
		return nil, errors.NewStoreUnavailableError("mark campaign sending", err)
	}

	report, err := h.service.Execute(ctx, &input)
	if err != nil {
		return nil, err
	}

	if report.Outage() && !job.IsLastAttempt() {
		log.Warn("provider unavailable for every recipient, retrying job", map[string]interface{}{
			"deferred": report.Deferred,
			"attempt":  job.Attempts,
		})
		return report, errors.NewProviderOutageError(string(input.ChannelType), report.Deferred)
	}
	if err := h.service.Settle(ctx, &input, report); err != nil {
		return nil, err
	}

	if err := h.finisher.FinishJob(ctx, input.CampaignID, job.ID, input.ChannelType); err != nil {
		return nil, err
	}

	log.Info("send job processed", map[string]interface{}{
		"dispatched": report.Dispatched,
		"failed":     report.Failed,
		"skipped":    report.Skipped,
		"partial":    report.Partial(),
	})
	return report, nil
}
