// internal/models/campaign.go
package models

import "time"

type ChannelType string

const (
	ChannelSMS   ChannelType = "SMS"
	ChannelEmail ChannelType = "EMAIL"
)

func (c ChannelType) Valid() bool {
	return c == ChannelSMS || c == ChannelEmail
}

// JobStatus is the campaign-level send status.
type JobStatus string

const (
	JobReady    JobStatus = "READY"
	JobEnqueued JobStatus = "ENQUEUED"
	JobSending  JobStatus = "SENDING"
	JobSent     JobStatus = "SENT"
	JobStopped  JobStatus = "STOPPED"
	JobLogged   JobStatus = "LOGGED"
)

// RedispatchableFrom lists the statuses a campaign may leave for ENQUEUED
// only through an explicit re-dispatch.
var RedispatchableFrom = []JobStatus{JobSent, JobStopped, JobLogged}

type Campaign struct {
	ID          int64          `json:"id"`
	ChannelType ChannelType    `json:"channelType"`
	Status      JobStatus      `json:"status"`
	PendingJobs int            `json:"pendingJobs"`
	LastError   string         `json:"lastError,omitempty"`
	Stats       *CampaignStats `json:"stats,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// CampaignStats is the outcome summary written by logger workers.
type CampaignStats struct {
	Total            int `json:"total"`
	Unsent           int `json:"unsent"`
	Sending          int `json:"sending"`
	Success          int `json:"success"`
	Error            int `json:"error"`
	InvalidRecipient int `json:"invalidRecipient"`
}

// Outstanding is the number of messages without a terminal outcome.
func (s CampaignStats) Outstanding() int {
	return s.Unsent + s.Sending
}

// Add counts n messages with status m.
func (s *CampaignStats) Add(m MessageStatus, n int) {
	s.Total += n
	switch m {
	case StatusUnsent:
		s.Unsent += n
	case StatusSending:
		s.Sending += n
	case StatusSuccess:
		s.Success += n
	case StatusError:
		s.Error += n
	case StatusInvalidRecipient:
		s.InvalidRecipient += n
	}
}
