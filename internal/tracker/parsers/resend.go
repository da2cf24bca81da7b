package parsers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/krisnaDGC/postmangovsg/internal/models"
)

type resendEvent struct {
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		EmailID   string   `json:"email_id"`
		CreatedAt string   `json:"created_at"`
		To        []string `json:"to"`
		Bounce    *struct {
			Type    string `json:"type"`
			SubType string `json:"subType"`
			Message string `json:"message"`
		} `json:"bounce"`
	} `json:"data"`
}

// Resend parses the Resend webhook. Events name the message by data.email_id,
// the id the Resend provider returns on send.
type Resend struct{}

func (Resend) Name() string { return "resend" }

func (Resend) Matches(record json.RawMessage) bool {
	var obj struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if !hasKeys(record, "type", "data") || json.Unmarshal(record, &obj) != nil {
		return false
	}
	return hasKeys(obj.Data, "email_id")
}

func (Resend) Parse(record json.RawMessage) (*Record, error) {
	var ev resendEvent
	if err := json.Unmarshal(record, &ev); err != nil {
		return nil, fmt.Errorf("decode resend event: %w", err)
	}
	if ev.Data.EmailID == "" {
		return nil, fmt.Errorf("resend %s event without data.email_id", ev.Type)
	}

	at := parseTime([]string{time.RFC3339Nano, "2006-01-02 15:04:05.999999-07"}, ev.CreatedAt)
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec := &Record{Event: ev.Type}
	if len(ev.Data.To) > 0 {
		rec.Recipient = ev.Data.To[0]
	}
	outcome := func(status models.MessageStatus, code string) {
		rec.Action = ActionOutcome
		rec.Outcome = models.Outcome{ProviderMessageID: ev.Data.EmailID, Status: status, ErrorCode: code, At: at}
	}

	switch ev.Type {
	case "email.delivered":
		outcome(models.StatusSuccess, "")
	case "email.bounced":
		if ev.Data.Bounce != nil && ev.Data.Bounce.Type == "Transient" {
			outcome(models.StatusError, "Soft bounce")
			break
		}
		outcome(models.StatusInvalidRecipient, "Hard bounce")
		rec.Blacklist = true
	case "email.complained":
		outcome(models.StatusError, "Complaint")
		rec.Blacklist = true
	case "email.failed":
		outcome(models.StatusError, "Failed")
	case "email.opened":
		rec.Action = ActionOpen
		rec.Outcome = models.Outcome{ProviderMessageID: ev.Data.EmailID, At: at}
	default:
		rec.Action = ActionIgnore
	}
	return rec, nil
}
