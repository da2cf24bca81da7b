// internal/models/message.go
package models

import "time"

type MessageStatus string

const (
	StatusUnsent           MessageStatus = ""
	StatusSending          MessageStatus = "SENDING"
	StatusSuccess          MessageStatus = "SUCCESS"
	StatusError            MessageStatus = "ERROR"
	StatusInvalidRecipient MessageStatus = "INVALID_RECIPIENT"
)

// IsTerminal reports whether no further status write may change s.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusInvalidRecipient:
		return true
	}
	return false
}

// Message is one recipient of a campaign.
type Message struct {
	CampaignID        int64             `json:"campaignId"`
	Recipient         string            `json:"recipient"`
	Params            map[string]string `json:"params,omitempty"`
	ProviderMessageID string            `json:"providerMessageId,omitempty"`
	Status            MessageStatus     `json:"status"`
	ErrorCode         string            `json:"errorCode,omitempty"`
	Retryable         bool              `json:"retryable"`
	DequeuedAt        *time.Time        `json:"dequeuedAt,omitempty"`
	SentAt            *time.Time        `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time        `json:"deliveredAt,omitempty"`
	ReceivedAt        *time.Time        `json:"receivedAt,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Outcome is a delivery result reported by a provider callback.
type Outcome struct {
	ProviderMessageID string
	Status            MessageStatus
	ErrorCode         string
	At                time.Time
}

// Failure is a worker-side terminal result for one recipient.
type Failure struct {
	Status    MessageStatus
	ErrorCode string
	Retryable bool
}
