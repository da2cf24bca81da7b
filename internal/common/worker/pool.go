// internal/common/worker/pool.go
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/metrics"
	"github.com/krisnaDGC/postmangovsg/internal/common/observability"
	"github.com/krisnaDGC/postmangovsg/internal/common/queue"
	"github.com/krisnaDGC/postmangovsg/pkg/registry"
)

type Role string

const (
	RoleSender Role = "sender"
	RoleLogger Role = "logger"
)

// JobHandler processes one claimed job. A nil error acks the job; any other
// error fails it with the retryability the error carries.
type JobHandler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// HandlerFunc adapts a function to JobHandler.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) error { return f(ctx, job) }

// Source is the part of the queue a worker consumes.
type Source interface {
	Name() string
	Claim(ctx context.Context) (*queue.Job, error)
	Ack(ctx context.Context, id, token string) error
	Fail(ctx context.Context, id, token string, cause error, retryable bool) (bool, error)
	Extend(ctx context.Context, id, token string) error
}

// Group is a set of identical workers consuming one queue.
type Group struct {
	Role    Role
	Count   int
	Source  Source
	Handler JobHandler
}

type Config struct {
	// Heartbeat is how often a busy worker extends its job lock.
	Heartbeat time.Duration
	// ClaimRetryDelay is the pause after a failed claim.
	ClaimRetryDelay time.Duration
}

// Pool owns the lifecycle of every worker in the process.
type Pool struct {
	cfg      Config
	groups   []Group
	logger   logger.Logger
	obs      *observability.Observability
	errs     *errors.ErrorHandler
	registry *registry.Registry

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(cfg Config, reg *registry.Registry, obs *observability.Observability, log logger.Logger, groups ...Group) *Pool {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.ClaimRetryDelay <= 0 {
		cfg.ClaimRetryDelay = time.Second
	}
	if reg == nil {
		reg = registry.New()
	}
	if obs == nil {
		obs = observability.NewNoop()
	}
	return &Pool{
		cfg:      cfg,
		groups:   groups,
		logger:   log,
		obs:      obs,
		errs:     errors.NewErrorHandler(log),
		registry: reg,
	}
}

// Start spawns the workers. Ids run 1..n across groups in the order given,
// so senders listed first get the low ids and loggers follow.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("worker pool already started")
	}
	for _, g := range p.groups {
		if g.Source == nil || g.Handler == nil {
			return fmt.Errorf("worker group %s needs a source and a handler", g.Role)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true

	id := 0
	for _, g := range p.groups {
		for i := 0; i < g.Count; i++ {
			id++
			w := &worker{
				id:    id,
				group: g,
				pool:  p,
				log: p.logger.WithFields(map[string]interface{}{
					"workerId": id,
					"role":     string(g.Role),
					"queue":    g.Source.Name(),
				}),
			}
			p.registry.Register(registry.Worker{
				ID:        id,
				Role:      string(g.Role),
				Queue:     g.Source.Name(),
				IsLogger:  g.Role == RoleLogger,
				StartedAt: time.Now().UTC(),
			})
			metrics.WorkersRegistered.WithLabelValues(string(g.Role)).Inc()
			w.log.Info("worker registered", map[string]interface{}{"isLogger": g.Role == RoleLogger})

			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				w.run(runCtx)
			}()
		}
	}
	return nil
}

// Stop stops claiming new jobs and waits for in-flight jobs to finish or ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped", nil)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool stop: %w", ctx.Err())
	}
}

// Workers lists the registered workers.
func (p *Pool) Workers() []registry.Worker {
	return p.registry.Workers()
}

type worker struct {
	id    int
	group Group
	pool  *Pool
	log   logger.Logger
}

func (w *worker) run(ctx context.Context) {
	defer func() {
		w.pool.registry.Deregister(w.id)
		metrics.WorkersRegistered.WithLabelValues(string(w.group.Role)).Dec()
		w.log.Info("worker stopped", nil)
	}()

	for {
		job, err := w.group.Source.Claim(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.log.Error("failed to claim job", map[string]interface{}{"error": err})
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pool.cfg.ClaimRetryDelay):
			}
			continue
		}
		if job == nil {
			continue
		}
		// In-flight work is not aborted by Stop.
		w.process(context.WithoutCancel(ctx), job)
	}
}

func (w *worker) process(ctx context.Context, job *queue.Job) {
	src := w.group.Source
	name := src.Name()
	start := time.Now()

	ctx, span := w.pool.obs.StartJobSpan(ctx, name, job.ID)
	defer span.End()

	metrics.WorkerJobsActive.WithLabelValues(name).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(name).Dec()

	log := w.log.WithFields(map[string]interface{}{
		"jobId":      job.ID,
		"campaignId": job.CampaignID,
		"attempt":    job.Attempts,
	})
	log.Info("processing job", nil)

	stopBeat := w.heartbeat(ctx, job)
	err := w.invoke(ctx, job)
	stopBeat()

	duration := time.Since(start)
	metrics.WorkerJobDuration.WithLabelValues(name).Observe(duration.Seconds())

	if err == nil {
		if ackErr := src.Ack(ctx, job.ID, job.Token); ackErr != nil {
			log.Warn("failed to ack job", map[string]interface{}{"error": ackErr})
		}
		metrics.WorkerJobsCompleted.WithLabelValues(name).Inc()
		w.pool.obs.RecordJobProcessed(ctx, name, "completed")
		w.pool.obs.RecordJobDuration(ctx, name, duration, "completed")
		log.Info("job completed", map[string]interface{}{"durationMs": duration.Milliseconds()})
		return
	}

	span.RecordError(err)
	metrics.WorkerJobsFailed.WithLabelValues(name, errors.CodeOf(err)).Inc()
	w.pool.obs.RecordJobProcessed(ctx, name, "failed")
	w.pool.obs.RecordJobDuration(ctx, name, duration, "failed")
	w.pool.errs.HandleJobError(ctx, src, job.Ref(), err)
}

func (w *worker) invoke(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.group.Handler.Handle(ctx, job)
}

// heartbeat extends the job lock until the returned func is called.
func (w *worker) heartbeat(ctx context.Context, job *queue.Job) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.pool.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.group.Source.Extend(ctx, job.ID, job.Token); err != nil {
					w.log.Warn("failed to extend job lock", map[string]interface{}{
						"jobId": job.ID,
						"error": err,
					})
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
