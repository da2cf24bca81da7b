// Package dispatch turns a campaign into send jobs and owns the
// campaign-level bookkeeping around them: job completion, stop, re-dispatch,
// and the queue's failure and stall signals.
package dispatch

import (
	"context"
	"fmt"
	"slices"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/queue"
	"github.com/krisnaDGC/postmangovsg/internal/models"
	"github.com/krisnaDGC/postmangovsg/internal/store"
)

// SendQueue is the send queue as seen by the dispatcher.
type SendQueue interface {
	Enqueue(ctx context.Context, campaignID int64, payload interface{}) (string, error)
	StopCampaign(ctx context.Context, campaignID int64) error
	ResumeCampaign(ctx context.Context, campaignID int64) error
}

type LogQueue interface {
	Enqueue(ctx context.Context, campaignID int64, payload interface{}) (string, error)
}

type Config struct {
	// BatchSize is the number of recipients carried by one send job.
	BatchSize int
}

type DispatchRequest struct {
	CampaignID  int64
	ChannelType models.ChannelType
	Template    models.Template
	Recipients  []models.Recipient
	Protect     bool
}

// Result describes what a dispatch enqueued.
type Result struct {
	CampaignID int64
	Recipients int
	JobIDs     []string
}

type Dispatcher struct {
	cfg       Config
	send      SendQueue
	log       LogQueue
	messages  store.MessageRepository
	campaigns store.CampaignRepository
	logger    logger.Logger
}

func New(cfg Config, send SendQueue, logq LogQueue, messages store.MessageRepository, campaigns store.CampaignRepository, log logger.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Dispatcher{
		cfg:       cfg,
		send:      send,
		log:       logq,
		messages:  messages,
		campaigns: campaigns,
		logger:    log.WithFields(map[string]interface{}{"component": "dispatcher"}),
	}
}

// Dispatch creates a pending message per recipient and enqueues the
// campaign in batches. The campaign must be READY.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := d.campaigns.Ensure(ctx, req.CampaignID, req.ChannelType); err != nil {
		return nil, errors.NewStoreUnavailableError("ensure campaign", err)
	}
	if _, err := d.messages.CreatePending(ctx, req.CampaignID, req.Recipients); err != nil {
		return nil, errors.NewStoreUnavailableError("create messages", err)
	}
	return d.enqueue(ctx, req, false)
}

// Redispatch re-enqueues the recipients of a campaign that never left
// pending. Recipients with any status are not sent again.
func (d *Dispatcher) Redispatch(ctx context.Context, campaignID int64, tmpl models.Template, protect bool) (*Result, error) {
	camp, err := d.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(models.RedispatchableFrom, camp.Status) {
		return nil, errors.NewInvalidStatusError(campaignID, string(models.JobEnqueued))
	}
	pending, err := d.messages.PendingRecipients(ctx, campaignID)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("pending recipients", err)
	}
	if len(pending) == 0 {
		d.logger.Info("nothing to redispatch", map[string]interface{}{"campaignId": campaignID})
		return &Result{CampaignID: campaignID}, nil
	}
	if err := d.send.ResumeCampaign(ctx, campaignID); err != nil {
		return nil, fmt.Errorf("resume campaign %d: %w", campaignID, err)
	}
	return d.enqueue(ctx, DispatchRequest{
		CampaignID:  campaignID,
		ChannelType: camp.ChannelType,
		Template:    tmpl,
		Recipients:  pending,
		Protect:     protect,
	}, true)
}

func (d *Dispatcher) enqueue(ctx context.Context, req DispatchRequest, redispatch bool) (*Result, error) {
	batches := split(req.Recipients, d.cfg.BatchSize)

	// The pending count is in place before any worker can complete a job.
	if err := d.campaigns.MarkEnqueued(ctx, req.CampaignID, len(batches), redispatch); err != nil {
		return nil, err
	}

	res := &Result{CampaignID: req.CampaignID, Recipients: len(req.Recipients)}
	for _, batch := range batches {
		id, err := d.send.Enqueue(ctx, req.CampaignID, models.SendJob{
			Kind:        models.JobKindSend,
			CampaignID:  req.CampaignID,
			ChannelType: req.ChannelType,
			Protect:     req.Protect,
			Data: models.UploadData{
				CampaignID: req.CampaignID,
				Template:   req.Template,
				Recipients: batch,
			},
		})
		if err != nil {
			if _, stopErr := d.campaigns.MarkStopped(ctx, req.CampaignID, err.Error()); stopErr != nil {
				d.logger.Error("failed to stop campaign after enqueue error", map[string]interface{}{
					"campaignId": req.CampaignID,
					"error":      stopErr,
				})
			}
			return res, fmt.Errorf("enqueue campaign %d: %w", req.CampaignID, err)
		}
		res.JobIDs = append(res.JobIDs, id)
	}

	d.logger.Info("campaign enqueued", map[string]interface{}{
		"campaignId":  req.CampaignID,
		"channelType": string(req.ChannelType),
		"recipients":  res.Recipients,
		"jobs":        len(res.JobIDs),
		"redispatch":  redispatch,
	})
	return res, nil
}

// Stop marks the campaign STOPPED and raises the stop signal so workers
// discard its unclaimed jobs. Sends already in flight finish.
func (d *Dispatcher) Stop(ctx context.Context, campaignID int64) error {
	ok, err := d.campaigns.MarkStopped(ctx, campaignID, "")
	if err != nil {
		return errors.NewStoreUnavailableError("stop campaign", err)
	}
	if !ok {
		return errors.NewInvalidStatusError(campaignID, string(models.JobStopped))
	}
	if err := d.send.StopCampaign(ctx, campaignID); err != nil {
		return fmt.Errorf("stop campaign %d: %w", campaignID, err)
	}
	d.logger.Info("campaign stopped", map[string]interface{}{"campaignId": campaignID})
	return nil
}

// FinishJob records that send job jobID of the campaign is done. The last
// job moves the campaign to SENT, unless it was stopped, and enqueues its log
// job. Finishing the same job again is a no-op.
func (d *Dispatcher) FinishJob(ctx context.Context, campaignID int64, jobID string, channel models.ChannelType) error {
	done, err := d.campaigns.CompleteJob(ctx, campaignID, jobID)
	if err != nil {
		return errors.NewStoreUnavailableError("complete job", err)
	}
	if done.Remaining > 0 {
		if done.Duplicate {
			d.logger.Info("send job already counted", map[string]interface{}{"campaignId": campaignID, "jobId": jobID})
		}
		return nil
	}
	status := done.Status
	if done.Duplicate {
		if status == models.JobLogged {
			return nil
		}
		// The last job came back, possibly after the log enqueue below
		// failed. The log handler ignores a campaign that is already logged.
		d.logger.Info("last send job finished again", map[string]interface{}{"campaignId": campaignID, "jobId": jobID})
	}

	if status != models.JobStopped {
		if _, err := d.campaigns.Transition(ctx, campaignID, store.AllowedFrom(models.JobSent), models.JobSent); err != nil {
			return errors.NewStoreUnavailableError("mark sent", err)
		}
	}
	if _, err := d.log.Enqueue(ctx, campaignID, models.LogJob{
		Kind:        models.JobKindLog,
		CampaignID:  campaignID,
		ChannelType: channel,
	}); err != nil {
		return fmt.Errorf("enqueue log job for campaign %d: %w", campaignID, err)
	}
	d.logger.Info("campaign sent", map[string]interface{}{"campaignId": campaignID, "stopped": status == models.JobStopped})
	return nil
}

// HandleFailedJob is the queue's dead-letter handler. A send job that
// exhausted its attempts stops its campaign.
func (d *Dispatcher) HandleFailedJob(ctx context.Context, job *queue.Job, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	fields := map[string]interface{}{
		"action":     "handleFailedJob",
		"jobId":      job.ID,
		"queue":      job.Queue,
		"campaignId": job.CampaignID,
		"attempts":   job.Attempts,
		"errorCode":  errors.CodeOf(cause),
		"error":      msg,
	}

	if job.Queue != string(models.JobKindSend) {
		d.logger.Error("Job failed", fields)
		return
	}
	d.logger.Error("Campaign failed", fields)

	if _, err := d.campaigns.MarkStopped(ctx, job.CampaignID, msg); err != nil {
		d.logger.Error("failed to stop campaign", map[string]interface{}{"campaignId": job.CampaignID, "error": err})
		return
	}
	var sj models.SendJob
	channel := models.ChannelType("")
	if err := job.Decode(&sj); err == nil {
		channel = sj.ChannelType
	}
	if err := d.FinishJob(ctx, job.CampaignID, job.ID, channel); err != nil {
		d.logger.Error("failed to complete failed job", map[string]interface{}{"campaignId": job.CampaignID, "error": err})
	}
}

// HandleStalledJobs is the stalled checker's handler.
func (d *Dispatcher) HandleStalledJobs(_ context.Context, numStalled int) {
	d.logger.Warn("Jobs stalled and were requeued", map[string]interface{}{
		"action":     "handleStalledJobs",
		"numStalled": numStalled,
	})
}

func validateRequest(req DispatchRequest) error {
	switch {
	case req.CampaignID <= 0:
		return errors.NewJobInvalidError(fmt.Errorf("campaign id must be positive"))
	case !req.ChannelType.Valid():
		return errors.NewJobInvalidError(fmt.Errorf("unsupported channel %q", req.ChannelType))
	case len(req.Recipients) == 0:
		return errors.NewJobInvalidError(fmt.Errorf("campaign %d has no recipients", req.CampaignID))
	case req.ChannelType == models.ChannelEmail && req.Template.Subject == "":
		return errors.NewJobInvalidError(fmt.Errorf("email template needs a subject"))
	}
	return nil
}

func split(recipients []models.Recipient, size int) [][]models.Recipient {
	batches := make([][]models.Recipient, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		batches = append(batches, recipients[start:end])
	}
	return batches
}
