// Package provider sends one rendered message through the channel's
// provider and normalizes whatever the provider returns.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/metrics"
	"github.com/krisnaDGC/postmangovsg/internal/common/validation"
	"github.com/krisnaDGC/postmangovsg/internal/models"
)

// Outbound is one rendered message for one recipient.
type Outbound struct {
	Channel    models.ChannelType
	CampaignID int64
	Recipient  string
	Subject    string
	Body       string
	Text       string
	From       string
	ReplyTo    string
}

// Provider sends a message and returns the provider's message id, which
// delivery callbacks later refer to.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg *Outbound) (string, error)
}

type AdapterOptions struct {
	SendTimeout time.Duration
	Limiter     *RateLimiter
}

// Adapter dispatches on the channel tag.
type Adapter struct {
	providers map[models.ChannelType]Provider
	opts      AdapterOptions
	logger    logger.Logger
}

func NewAdapter(opts AdapterOptions, log logger.Logger) *Adapter {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	return &Adapter{
		providers: make(map[models.ChannelType]Provider),
		opts:      opts,
		logger:    log,
	}
}

// Register binds p to channel, replacing any previous binding.
func (a *Adapter) Register(channel models.ChannelType, p Provider) *Adapter {
	a.providers[channel] = p
	return a
}

func (a *Adapter) For(channel models.ChannelType) (Provider, error) {
	p, ok := a.providers[channel]
	if !ok {
		return nil, fmt.Errorf("no provider registered for channel %q", channel)
	}
	return p, nil
}

// Send validates the recipient, waits for the channel's rate limit, then
// sends under the send timeout. Every failure is a *errors.ProviderError.
func (a *Adapter) Send(ctx context.Context, msg *Outbound) (string, error) {
	p, err := a.For(msg.Channel)
	if err != nil {
		return "", errors.NewTerminalProviderError("none", string(errors.ErrCodeProviderTerminal), false, err)
	}
	channel := string(msg.Channel)

	if !validRecipient(msg.Channel, msg.Recipient) {
		pe := errors.NewTerminalProviderError(p.Name(), string(errors.ErrCodeInvalidRecipient), true,
			fmt.Errorf("invalid %s recipient %q", channel, msg.Recipient))
		metrics.ProviderErrors.WithLabelValues(channel, string(pe.Class), pe.Code).Inc()
		return "", pe
	}

	if a.opts.Limiter != nil {
		if err := a.opts.Limiter.Wait(ctx, msg.Channel); err != nil {
			metrics.ProviderErrors.WithLabelValues(channel, string(errors.ClassRetryable), string(errors.ErrCodeRateLimited)).Inc()
			return "", err
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.opts.SendTimeout)
	defer cancel()

	start := time.Now()
	id, err := p.Send(sendCtx, msg)
	metrics.ProviderSendDuration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	if err != nil {
		pe := Classify(p.Name(), err)
		metrics.ProviderErrors.WithLabelValues(channel, string(pe.Class), pe.Code).Inc()
		a.logger.Debug("provider send failed", map[string]interface{}{
			"provider":   p.Name(),
			"campaignId": msg.CampaignID,
			"class":      string(pe.Class),
			"code":       pe.Code,
			"error":      err,
		})
		return "", pe
	}
	return id, nil
}

func validRecipient(channel models.ChannelType, recipient string) bool {
	switch channel {
	case models.ChannelEmail:
		return validation.ValidateEmail(recipient)
	case models.ChannelSMS:
		return validation.ValidatePhone(recipient)
	}
	return false
}
