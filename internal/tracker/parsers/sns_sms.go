package parsers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/krisnaDGC/postmangovsg/internal/models"
)

// snsSMSDelivery is an SNS SMS delivery status log entry.
type snsSMSDelivery struct {
	Notification struct {
		MessageID string `json:"messageId"`
		Timestamp string `json:"timestamp"`
	} `json:"notification"`
	Delivery struct {
		Destination      string `json:"destination"`
		ProviderResponse string `json:"providerResponse"`
	} `json:"delivery"`
	Status string `json:"status"`
}

var invalidNumberResponses = []string{
	"invalid phone number",
	"phone number is opted out",
	"unknown subscriber",
}

// SNSSMS parses SNS SMS delivery status logs forwarded to the endpoint.
type SNSSMS struct{}

func (SNSSMS) Name() string { return "sns-sms" }

func (SNSSMS) Matches(record json.RawMessage) bool {
	return hasKeys(record, "notification", "delivery", "status")
}

func (SNSSMS) Parse(record json.RawMessage) (*Record, error) {
	var d snsSMSDelivery
	if err := json.Unmarshal(record, &d); err != nil {
		return nil, fmt.Errorf("decode sns sms status: %w", err)
	}
	if d.Notification.MessageID == "" {
		return nil, fmt.Errorf("sns sms status without notification.messageId")
	}

	out := models.Outcome{
		ProviderMessageID: d.Notification.MessageID,
		At:                sesTime(strings.Replace(d.Notification.Timestamp, " ", "T", 1) + "Z"),
	}
	switch strings.ToUpper(d.Status) {
	case "SUCCESS":
		out.Status = models.StatusSuccess
	case "FAILURE":
		out.Status = models.StatusError
		out.ErrorCode = d.Delivery.ProviderResponse
		resp := strings.ToLower(d.Delivery.ProviderResponse)
		for _, s := range invalidNumberResponses {
			if strings.Contains(resp, s) {
				out.Status = models.StatusInvalidRecipient
				break
			}
		}
	default:
		return &Record{Action: ActionIgnore, Event: d.Status}, nil
	}

	return &Record{Action: ActionOutcome, Event: d.Status, Outcome: out, Recipient: d.Delivery.Destination}, nil
}
