package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/metrics"
)

// StalledHandler is notified with the number of jobs reclaimed in one check.
type StalledHandler func(ctx context.Context, numStalled int)

// StalledChecker periodically runs CheckStalled on a set of queues.
type StalledChecker struct {
	queues    []*Queue
	interval  time.Duration
	onStalled StalledHandler
	logger    logger.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewStalledChecker(interval time.Duration, onStalled StalledHandler, log logger.Logger, queues ...*Queue) *StalledChecker {
	return &StalledChecker{
		queues:    queues,
		interval:  interval,
		onStalled: onStalled,
		logger:    log,
	}
}

// Start schedules the check every interval.
func (c *StalledChecker) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cron != nil {
		return fmt.Errorf("stalled checker already started")
	}
	if c.interval <= 0 {
		return fmt.Errorf("stalled interval must be positive")
	}

	sched := cron.New()
	spec := fmt.Sprintf("@every %s", c.interval)
	if _, err := sched.AddFunc(spec, func() { c.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule stalled check: %w", err)
	}
	sched.Start()
	c.cron = sched

	c.logger.Info("stalled job checker started", map[string]interface{}{"interval": c.interval.String()})
	return nil
}

// Stop halts scheduling and waits for a running check, or ctx, to finish.
func (c *StalledChecker) Stop(ctx context.Context) {
	c.mu.Lock()
	sched := c.cron
	c.cron = nil
	c.mu.Unlock()

	if sched == nil {
		return
	}
	select {
	case <-sched.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce checks every queue and returns the total number of stalled jobs.
func (c *StalledChecker) RunOnce(ctx context.Context) int {
	total := 0
	for _, q := range c.queues {
		n, err := q.CheckStalled(ctx)
		if err != nil {
			c.logger.Error("failed to check stalled jobs", map[string]interface{}{
				"queue": q.Name(),
				"error": err,
			})
			continue
		}
		if n > 0 {
			c.logger.Info("stalled jobs found", map[string]interface{}{
				"queue":      q.Name(),
				"numStalled": n,
			})
			metrics.QueueJobsStalled.WithLabelValues(q.Name()).Add(float64(n))
		}
		total += n
	}
	if total > 0 && c.onStalled != nil {
		c.onStalled(ctx, total)
	}
	return total
}
