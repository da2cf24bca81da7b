// internal/workers/send/send-campaign/service.go
package sendcampaign

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/metrics"
	"github.com/krisnaDGC/postmangovsg/internal/common/provider"
	"github.com/krisnaDGC/postmangovsg/internal/common/render"
	"github.com/krisnaDGC/postmangovsg/internal/models"
	"github.com/krisnaDGC/postmangovsg/internal/store"
)

type MessageStore interface {
	Get(ctx context.Context, campaignID int64, recipient string) (*models.Message, error)
	CreatePending(ctx context.Context, campaignID int64, recipients []models.Recipient) (int, error)
	MarkDequeued(ctx context.Context, campaignID int64, recipient string, at time.Time) error
	MarkSending(ctx context.Context, campaignID int64, recipient, providerMessageID string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, campaignID int64, recipient string, f models.Failure, at time.Time) (bool, error)
}

type Blacklist interface {
	IsBlacklisted(ctx context.Context, recipient string) (bool, error)
}

// Sender is satisfied by *provider.Adapter.
type Sender interface {
	Send(ctx context.Context, msg *provider.Outbound) (string, error)
}

// Service sends one batch of recipients.
type Service struct {
	config    *Config
	messages  MessageStore
	blacklist Blacklist
	renderer  *render.Renderer
	sender    Sender
	logger    logger.Logger
	now       func() time.Time
}

func NewService(deps ServiceDependencies, config *Config) *Service {
	renderer := deps.Renderer
	if renderer == nil {
		renderer = render.New()
	}
	return &Service{
		config:    config,
		messages:  deps.Messages,
		blacklist: deps.Blacklist,
		renderer:  renderer,
		sender:    deps.Sender,
		logger:    deps.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Execute sends every recipient of job. Recipient failures are recorded
// per recipient. Transient failures are left as OutcomeDeferred so the
// caller decides whether they become ERROR or the whole job is retried.
func (s *Service) Execute(ctx context.Context, job *models.SendJob) (*Report, error) {
	report := &Report{CampaignID: job.CampaignID, Results: make([]RecipientResult, len(job.Data.Recipients))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i, r := range job.Data.Recipients {
		g.Go(func() error {
			res, err := s.sendOne(gctx, job, r)
			if err != nil {
				return err
			}
			report.Results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, res := range report.Results {
		switch res.Outcome {
		case OutcomeDispatched:
			report.Dispatched++
		case OutcomeFailed:
			report.Failed++
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeDeferred:
			report.Deferred++
		}
	}
	return report, nil
}

// Settle records deferred transient failures as retryable ERRORs.
func (s *Service) Settle(ctx context.Context, job *models.SendJob, report *Report) error {
	for i, res := range report.Results {
		if res.Outcome != OutcomeDeferred {
			continue
		}
		if err := s.fail(ctx, job, res.Recipient, models.StatusError, res.ErrorCode, true); err != nil {
			return err
		}
		report.Results[i].Outcome = OutcomeFailed
		report.Deferred--
		report.Failed++
	}
	return nil
}

func (s *Service) sendOne(ctx context.Context, job *models.SendJob, r models.Recipient) (RecipientResult, error) {
	res := RecipientResult{Recipient: r.Recipient}

	msg, err := s.messages.Get(ctx, job.CampaignID, r.Recipient)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := s.messages.CreatePending(ctx, job.CampaignID, []models.Recipient{r}); err != nil {
			return res, errors.NewStoreUnavailableError("create message", err)
		}
	case err != nil:
		return res, errors.NewStoreUnavailableError("load message", err)
	case msg.Status != models.StatusUnsent:
		// Dispatched by an earlier attempt of this job.
		res.Outcome = OutcomeSkipped
		res.ProviderMessageID = msg.ProviderMessageID
		return res, nil
	}

	if err := s.messages.MarkDequeued(ctx, job.CampaignID, r.Recipient, s.now()); err != nil {
		return res, errors.NewStoreUnavailableError("mark dequeued", err)
	}

	if job.ChannelType == models.ChannelEmail && s.blacklist != nil {
		listed, err := s.blacklist.IsBlacklisted(ctx, r.Recipient)
		if err != nil {
			return res, errors.NewStoreUnavailableError("check blacklist", err)
		}
		if listed {
			return s.failed(ctx, job, res, models.StatusInvalidRecipient, string(errors.ErrCodeBlacklisted))
		}
	}

	params := r.Params
	if params == nil && msg != nil {
		params = msg.Params
	}
	if job.Protect && job.ChannelType == models.ChannelEmail {
		params = render.ProtectedParams(s.config.ProtectedURL, job.CampaignID, r.Recipient)
	}
	rendered, err := s.renderer.Render(job.ChannelType, job.Data.Template, params)
	if err != nil {
		s.logger.Warn("recipient message rendered empty", map[string]interface{}{
			"campaignId": job.CampaignID,
			"recipient":  r.Recipient,
			"error":      err,
		})
		return s.failed(ctx, job, res, models.StatusError, errors.CodeOf(err))
	}

	id, err := s.sendWithRetry(ctx, &provider.Outbound{
		Channel:    job.ChannelType,
		CampaignID: job.CampaignID,
		Recipient:  r.Recipient,
		Subject:    rendered.Subject,
		Body:       rendered.Body,
		Text:       rendered.Text,
		From:       job.Data.Template.From,
		ReplyTo:    job.Data.Template.ReplyTo,
	})
	if err != nil {
		var pe *errors.ProviderError
		if !errors.As(err, &pe) {
			pe = provider.Classify("unknown", err)
		}
		if pe.Class == errors.ClassRetryable {
			res.Outcome = OutcomeDeferred
			res.ErrorCode = pe.Code
			return res, nil
		}
		status := models.StatusError
		if pe.InvalidRecipient {
			status = models.StatusInvalidRecipient
		}
		return s.failed(ctx, job, res, status, pe.Code)
	}

	ok, err := s.messages.MarkSending(ctx, job.CampaignID, r.Recipient, id, s.now())
	if err != nil {
		return res, errors.NewStoreUnavailableError("mark sending", err)
	}
	if !ok {
		s.logger.Warn("message already left pending", map[string]interface{}{
			"campaignId":        job.CampaignID,
			"recipient":         r.Recipient,
			"providerMessageId": id,
		})
	}
	metrics.MessagesProcessed.WithLabelValues(string(job.ChannelType), string(models.StatusSending)).Inc()
	res.Outcome = OutcomeDispatched
	res.ProviderMessageID = id
	return res, nil
}

func (s *Service) sendWithRetry(ctx context.Context, msg *provider.Outbound) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= s.config.SendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", lastErr
			case <-time.After(s.config.SendRetryDelay * time.Duration(attempt)):
			}
		}
		id, err := s.sender.Send(ctx, msg)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			return "", err
		}
	}
	return "", lastErr
}

func (s *Service) failed(ctx context.Context, job *models.SendJob, res RecipientResult, status models.MessageStatus, code string) (RecipientResult, error) {
	if err := s.fail(ctx, job, res.Recipient, status, code, false); err != nil {
		return res, err
	}
	res.Outcome = OutcomeFailed
	res.ErrorCode = code
	return res, nil
}

func (s *Service) fail(ctx context.Context, job *models.SendJob, recipient string, status models.MessageStatus, code string, retryable bool) error {
	if _, err := s.messages.MarkFailed(ctx, job.CampaignID, recipient, models.Failure{
		Status:    status,
		ErrorCode: code,
		Retryable: retryable,
	}, s.now()); err != nil {
		return errors.NewStoreUnavailableError("mark failed", err)
	}
	metrics.MessagesProcessed.WithLabelValues(string(job.ChannelType), string(status)).Inc()
	return nil
}
