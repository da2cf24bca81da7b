package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	awsclient "github.com/krisnaDGC/postmangovsg/internal/common/aws"
	"github.com/krisnaDGC/postmangovsg/internal/common/config"
	"github.com/krisnaDGC/postmangovsg/internal/common/database"
	commonhttp "github.com/krisnaDGC/postmangovsg/internal/common/http"
	"github.com/krisnaDGC/postmangovsg/internal/common/observability"
	"github.com/krisnaDGC/postmangovsg/internal/common/provider"
	"github.com/krisnaDGC/postmangovsg/internal/common/queue"
	"github.com/krisnaDGC/postmangovsg/internal/common/render"
	"github.com/krisnaDGC/postmangovsg/internal/common/worker"
	"github.com/krisnaDGC/postmangovsg/internal/models"
	"github.com/krisnaDGC/postmangovsg/internal/server"
	"github.com/krisnaDGC/postmangovsg/internal/tracker"
	logcampaign "github.com/krisnaDGC/postmangovsg/internal/workers/send/log-campaign"
	sendcampaign "github.com/krisnaDGC/postmangovsg/internal/workers/send/send-campaign"
	"github.com/krisnaDGC/postmangovsg/pkg/registry"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool and the delivery callback server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	a.log.Info("Starting campaign pipeline", map[string]interface{}{
		"environment": cfg.App.Environment,
		"storeDriver": cfg.Database.Driver,
		"senders":     cfg.Workers.NumSender,
		"loggers":     cfg.Workers.NumLogger,
	})

	obs := observability.New(cfg.Observability.ServiceName, cfg.Observability.JaegerEndpoint)
	defer obs.Shutdown(context.Background())

	adapter, err := buildAdapter(ctx, a)
	if err != nil {
		return err
	}

	sendCfg := sendcampaign.LoadConfig(cfg.Workers)
	sendService := sendcampaign.NewService(sendcampaign.ServiceDependencies{
		Messages:  a.stores.Messages,
		Blacklist: a.stores.Blacklist,
		Renderer:  render.New(),
		Sender:    adapter,
		Logger:    a.log,
	}, sendCfg)
	sendHandler := sendcampaign.NewHandler(sendCfg, sendService, a.stores.Campaigns, a.sendQueue, a.dispatcher, a.log)
	logHandler := logcampaign.NewHandler(a.stores.Messages, a.stores.Campaigns, a.log)

	lock := a.sendQueue.LockDuration()
	pool := worker.NewPool(worker.Config{Heartbeat: lock / 3}, registry.New(), obs, a.log,
		worker.Group{Role: worker.RoleSender, Count: cfg.Workers.NumSender, Source: a.sendQueue, Handler: sendHandler},
		worker.Group{Role: worker.RoleLogger, Count: cfg.Workers.NumLogger, Source: a.logQueue, Handler: logHandler},
	)

	checker := queue.NewStalledChecker(config.GetDuration(cfg.Queue.StalledInterval), a.dispatcher.HandleStalledJobs, a.log, a.sendQueue, a.logQueue)

	trk, es := buildTracker(a)

	checks := []server.Check{{Name: "redis", Ping: a.redis.Ping}}
	if a.postgres != nil {
		checks = append(checks, server.Check{Name: "postgres", Ping: a.postgres.Ping})
	}
	if es != nil {
		checks = append(checks, server.Check{Name: "elasticsearch", Ping: es.Ping})
	}
	srv := server.New(server.Config{
		ListenAddr:   cfg.Callback.ListenAddr,
		MaxBodyBytes: cfg.Callback.MaxBodyBytes,
	}, trk, a.log, checks...)

	if err := pool.Start(ctx); err != nil {
		return err
	}
	if err := checker.Start(); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	a.log.Info("Campaign pipeline started", map[string]interface{}{"workers": len(pool.Workers())})

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("Shutting down...", nil)
	case runErr = <-serverErr:
		a.log.Error("Callback server failed", map[string]interface{}{"error": runErr})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), lock+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("Callback server shutdown error", map[string]interface{}{"error": err})
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		a.log.Warn("Worker pool shutdown error", map[string]interface{}{"error": err})
	}
	checker.Stop(shutdownCtx)

	a.log.Info("Shutdown complete", nil)
	return runErr
}

func buildAdapter(ctx context.Context, a *app) (*provider.Adapter, error) {
	cfg := a.cfg

	var limiter *provider.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = provider.NewRateLimiter(cfg.RateLimit, a.redis.Client, a.log)
	}
	adapter := provider.NewAdapter(provider.AdapterOptions{
		SendTimeout: config.GetDuration(cfg.Workers.SendTimeout),
		Limiter:     limiter,
	}, a.log)

	aws := cfg.Providers.AWS
	switch cfg.Providers.EmailProvider {
	case "ses":
		client, err := awsclient.NewSESClient(ctx, aws.Region, aws.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("ses client: %w", err)
		}
		adapter.Register(models.ChannelEmail, provider.NewSESProvider(client, aws.SES.FromEmail, aws.SES.ConfigurationSet))
	case "smtp":
		smtp := cfg.Providers.SMTP
		adapter.Register(models.ChannelEmail, provider.NewSMTPProvider(provider.SMTPConfig{
			Host:        smtp.Host,
			Port:        smtp.Port,
			Username:    smtp.Username,
			Password:    smtp.Password,
			UseTLS:      smtp.UseTLS,
			DefaultFrom: smtp.DefaultFrom,
		}, a.log))
	case "resend":
		r := cfg.Providers.Resend
		adapter.Register(models.ChannelEmail, provider.NewResendProvider(r.APIKey, r.SenderEmail, r.SenderName))
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Providers.EmailProvider)
	}

	sns, err := awsclient.NewSNSClient(ctx, aws.Region, aws.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("sns client: %w", err)
	}
	adapter.Register(models.ChannelSMS, provider.NewSNSProvider(sns, aws.SNS.SenderID, aws.SNS.SMSType))
	return adapter, nil
}

// buildTracker also returns the audit index client when one is configured.
func buildTracker(a *app) (*tracker.Tracker, *database.ElasticsearchClient) {
	cfg := a.cfg
	var (
		opts  []tracker.Option
		audit *database.ElasticsearchClient
	)

	if es := cfg.Database.Elasticsearch; es.Enabled {
		client, err := database.NewElasticsearch(es)
		if err != nil {
			a.log.Warn("Elasticsearch unavailable, delivery audit disabled", map[string]interface{}{"error": err})
		} else {
			audit = client
			opts = append(opts, tracker.WithAudit(tracker.NewElasticsearchAudit(client, es.Index)))
		}
	}
	if cfg.Callback.ConfirmSubscriptions {
		client := commonhttp.NewClient(config.GetDuration(cfg.Callback.ConfirmTimeout))
		opts = append(opts, tracker.WithConfirmer(tracker.NewHTTPConfirmer(client, ".amazonaws.com")))
	}

	return tracker.New(tracker.Config{
		Secret:      cfg.Callback.Secret,
		Concurrency: cfg.Callback.Concurrency,
	}, a.stores.Messages, a.stores.Blacklist, a.log, opts...), audit
}
