package parsers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/krisnaDGC/postmangovsg/internal/models"
)

type sendGridEvent struct {
	Email     string `json:"email"`
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	// MessageID is the unique arg set by the SMTP provider.
	MessageID string `json:"message_id"`
}

// SendGrid parses the SendGrid event webhook.
type SendGrid struct{}

func (SendGrid) Name() string { return "sendgrid" }

func (SendGrid) Matches(record json.RawMessage) bool {
	return hasKeys(record, "event", "sg_event_id")
}

func (SendGrid) Parse(record json.RawMessage) (*Record, error) {
	var ev sendGridEvent
	if err := json.Unmarshal(record, &ev); err != nil {
		return nil, fmt.Errorf("decode sendgrid event: %w", err)
	}
	if ev.MessageID == "" {
		return nil, fmt.Errorf("sendgrid %s event without message_id", ev.Event)
	}

	at := time.Now().UTC()
	if ev.Timestamp > 0 {
		at = time.Unix(ev.Timestamp, 0).UTC()
	}
	rec := &Record{Event: ev.Event, Recipient: ev.Email}
	outcome := func(status models.MessageStatus, code string) {
		rec.Action = ActionOutcome
		rec.Outcome = models.Outcome{ProviderMessageID: ev.MessageID, Status: status, ErrorCode: code, At: at}
	}

	switch strings.ToLower(ev.Event) {
	case "delivered":
		outcome(models.StatusSuccess, "")
	case "bounce":
		if ev.Type == "blocked" {
			outcome(models.StatusError, "Soft bounce")
		} else {
			outcome(models.StatusInvalidRecipient, "Hard bounce")
			rec.Blacklist = true
		}
	case "dropped":
		outcome(models.StatusError, "Dropped")
	case "spamreport":
		outcome(models.StatusError, "Complaint")
		rec.Blacklist = true
	case "open":
		rec.Action = ActionOpen
		rec.Outcome = models.Outcome{ProviderMessageID: ev.MessageID, At: at}
	default:
		rec.Action = ActionIgnore
	}
	return rec, nil
}
