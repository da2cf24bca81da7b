// internal/workers/send/log-campaign/config.go
package logcampaign

const QueueName = "log"
