// internal/workers/send/send-campaign/config.go
package sendcampaign

import (
	"time"

	"github.com/krisnaDGC/postmangovsg/internal/common/config"
)

type Config struct {
	// Concurrency bounds the recipients of one job sent at once.
	Concurrency int
	// SendRetries is the number of in-line retries for a transient provider error.
	SendRetries    int
	SendRetryDelay time.Duration
	ProtectedURL   string
}

func LoadConfig(cfg config.WorkersConfig) *Config {
	c := &Config{
		Concurrency:    cfg.SenderConcurrency,
		SendRetries:    cfg.SendRetries,
		SendRetryDelay: config.GetDuration(cfg.SendRetryDelay),
		ProtectedURL:   cfg.ProtectedURL,
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.SendRetries < 0 {
		c.SendRetries = 0
	}
	return c
}
