package parsers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/krisnaDGC/postmangovsg/internal/models"
)

// snsEnvelope is how SES notifications reach an HTTP endpoint via SNS.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	Timestamp    string `json:"Timestamp"`
	SubscribeURL string `json:"SubscribeURL"`
}

type sesNotification struct {
	NotificationType string `json:"notificationType"`
	EventType        string `json:"eventType"`
	Mail             struct {
		MessageID   string   `json:"messageId"`
		Timestamp   string   `json:"timestamp"`
		Destination []string `json:"destination"`
	} `json:"mail"`
	Delivery *struct {
		Timestamp string `json:"timestamp"`
	} `json:"delivery"`
	Bounce *struct {
		BounceType        string `json:"bounceType"`
		BounceSubType     string `json:"bounceSubType"`
		Timestamp         string `json:"timestamp"`
		BouncedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"bouncedRecipients"`
	} `json:"bounce"`
	Complaint *struct {
		Timestamp            string `json:"timestamp"`
		ComplainedRecipients []struct {
			EmailAddress string `json:"emailAddress"`
		} `json:"complainedRecipients"`
	} `json:"complaint"`
	Open *struct {
		Timestamp string `json:"timestamp"`
	} `json:"open"`
}

// SES parses Amazon SES notifications delivered through an SNS subscription.
type SES struct{}

func (SES) Name() string { return "ses" }

func (SES) Matches(record json.RawMessage) bool {
	return hasKeys(record, "Type", "TopicArn", "Message")
}

func (SES) Parse(record json.RawMessage) (*Record, error) {
	var env snsEnvelope
	if err := json.Unmarshal(record, &env); err != nil {
		return nil, fmt.Errorf("decode sns envelope: %w", err)
	}
	switch {
	case env.Type == "":
		return nil, fmt.Errorf("sns envelope without Type")
	case env.TopicArn == "":
		return nil, fmt.Errorf("sns envelope without TopicArn")
	case env.Message == "":
		return nil, fmt.Errorf("sns envelope without Message")
	}

	switch env.Type {
	case "SubscriptionConfirmation":
		if env.SubscribeURL == "" {
			return nil, fmt.Errorf("subscription confirmation without SubscribeURL")
		}
		return &Record{Action: ActionConfirmSubscription, Event: env.Type, SubscribeURL: env.SubscribeURL}, nil
	case "UnsubscribeConfirmation":
		return &Record{Action: ActionIgnore, Event: env.Type}, nil
	case "Notification":
	default:
		return nil, fmt.Errorf("unknown sns message type %q", env.Type)
	}

	var n sesNotification
	if err := json.Unmarshal([]byte(env.Message), &n); err != nil {
		return nil, fmt.Errorf("decode ses notification: %w", err)
	}
	if n.Mail.MessageID == "" {
		return nil, fmt.Errorf("ses notification without mail.messageId")
	}

	event := n.NotificationType
	if event == "" {
		event = n.EventType
	}
	rec := &Record{Event: event}
	if len(n.Mail.Destination) > 0 {
		rec.Recipient = n.Mail.Destination[0]
	}
	outcome := func(status models.MessageStatus, code, ts string) {
		rec.Action = ActionOutcome
		rec.Outcome = models.Outcome{
			ProviderMessageID: n.Mail.MessageID,
			Status:            status,
			ErrorCode:         code,
			At:                sesTime(ts, env.Timestamp),
		}
	}

	switch event {
	case "Delivery":
		ts := ""
		if n.Delivery != nil {
			ts = n.Delivery.Timestamp
		}
		outcome(models.StatusSuccess, "", ts)
	case "Bounce":
		if n.Bounce == nil {
			return nil, fmt.Errorf("bounce notification without bounce object")
		}
		if len(n.Bounce.BouncedRecipients) > 0 {
			rec.Recipient = n.Bounce.BouncedRecipients[0].EmailAddress
		}
		if n.Bounce.BounceType == "Permanent" {
			outcome(models.StatusInvalidRecipient, "Hard bounce", n.Bounce.Timestamp)
			rec.Blacklist = true
		} else {
			outcome(models.StatusError, "Soft bounce", n.Bounce.Timestamp)
		}
	case "Complaint":
		ts := ""
		if n.Complaint != nil {
			ts = n.Complaint.Timestamp
			if len(n.Complaint.ComplainedRecipients) > 0 {
				rec.Recipient = n.Complaint.ComplainedRecipients[0].EmailAddress
			}
		}
		outcome(models.StatusError, "Complaint", ts)
		rec.Blacklist = true
	case "Reject", "Rendering Failure":
		outcome(models.StatusError, event, "")
	case "Open":
		ts := ""
		if n.Open != nil {
			ts = n.Open.Timestamp
		}
		rec.Action = ActionOpen
		rec.Outcome = models.Outcome{ProviderMessageID: n.Mail.MessageID, At: sesTime(ts, env.Timestamp)}
	default:
		rec.Action = ActionIgnore
	}
	return rec, nil
}

func sesTime(values ...string) time.Time {
	for _, v := range values {
		if t := parseTime([]string{time.RFC3339Nano}, v); !t.IsZero() {
			return t
		}
	}
	return time.Now().UTC()
}
