// internal/models/job.go
package models

// JobKind tags queue payloads. It doubles as the queue name.
type JobKind string

const (
	JobKindSend JobKind = "send"
	JobKindLog  JobKind = "log"
)

type TemplateFormat string

const (
	FormatHTML     TemplateFormat = "html"
	FormatMarkdown TemplateFormat = "markdown"
	FormatText     TemplateFormat = "text"
)

type Template struct {
	Subject string         `json:"subject,omitempty"`
	Body    string         `json:"body"`
	From    string         `json:"from,omitempty"`
	ReplyTo string         `json:"replyTo,omitempty"`
	Format  TemplateFormat `json:"format,omitempty"`
}

type Recipient struct {
	Recipient string            `json:"recipient"`
	Params    map[string]string `json:"params,omitempty"`
}

// UploadData is the batch carried by one send job.
type UploadData struct {
	CampaignID int64       `json:"campaignId"`
	Template   Template    `json:"template"`
	Recipients []Recipient `json:"recipients"`
}

// SendJob is the payload of jobs on the send queue.
type SendJob struct {
	Kind        JobKind     `json:"kind"`
	CampaignID  int64       `json:"campaignId"`
	ChannelType ChannelType `json:"channelType"`
	Data        UploadData  `json:"data"`
	Protect     bool        `json:"protect"`
}

// LogJob is the payload of jobs on the log queue.
type LogJob struct {
	Kind        JobKind     `json:"kind"`
	CampaignID  int64       `json:"campaignId"`
	ChannelType ChannelType `json:"channelType"`
}
