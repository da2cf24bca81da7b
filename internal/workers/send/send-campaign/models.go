// internal/workers/send/send-campaign/models.go
package sendcampaign

import (
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/render"
)

// Outcome is what happened to one recipient in this attempt.
type Outcome string

const (
	OutcomeSkipped    Outcome = "skipped"
	OutcomeDispatched Outcome = "dispatched"
	OutcomeFailed     Outcome = "failed"
	// OutcomeDeferred is a transient failure not yet recorded against the recipient.
	OutcomeDeferred Outcome = "deferred"
)

// RecipientResult is the per-recipient line of a Report.
type RecipientResult struct {
	Recipient         string  `json:"recipient"`
	Outcome           Outcome `json:"outcome"`
	ProviderMessageID string  `json:"providerMessageId,omitempty"`
	ErrorCode         string  `json:"errorCode,omitempty"`
}

// Report summarizes one processed send job.
type Report struct {
	CampaignID int64             `json:"campaignId"`
	Dispatched int               `json:"dispatched"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Deferred   int               `json:"deferred,omitempty"`
	Stopped    bool              `json:"stopped,omitempty"`
	Results    []RecipientResult `json:"results"`
}

// Partial reports whether some, but not all, recipients were dispatched.
func (r *Report) Partial() bool {
	return r.Dispatched > 0 && r.Failed > 0
}

// Outage reports whether every recipient sent in this attempt failed transiently.
func (r *Report) Outage() bool {
	return r.Deferred > 0 && r.Dispatched == 0 && r.Failed == 0
}

// ServiceDependencies are the collaborators a Service sends through.
type ServiceDependencies struct {
	Messages  MessageStore
	Blacklist Blacklist
	Renderer  *render.Renderer
	Sender    Sender
	Logger    logger.Logger
}
