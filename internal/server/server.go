// Package server exposes the delivery callback endpoints and the process
// health, readiness and metrics routes.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/metrics"
	"github.com/krisnaDGC/postmangovsg/internal/tracker"
)

// CallbackHandler is satisfied by *tracker.Tracker.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, raw []byte, authHeader string) (*tracker.Report, error)
}

// Check is one readiness dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Config struct {
	ListenAddr   string
	MaxBodyBytes int64
	CheckTimeout time.Duration
}

type Server struct {
	cfg       Config
	callbacks CallbackHandler
	checks    []Check
	logger    logger.Logger
	router    chi.Router
	http      *http.Server
}

func New(cfg Config, callbacks CallbackHandler, log logger.Logger, checks ...Check) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		callbacks: callbacks,
		checks:    checks,
		logger:    log.WithFields(map[string]interface{}{"component": "server"}),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/callbacks", func(r chi.Router) {
		r.Post("/email", s.callback("email"))
		r.Post("/sms", s.callback("sms"))
	})
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", map[string]interface{}{"addr": s.cfg.ListenAddr})
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CheckTimeout)
	defer cancel()

	failed := map[string]string{}
	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("readiness check failed", map[string]interface{}{"failed": failed})
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type callbackResponse struct {
	Parser   string   `json:"parser,omitempty"`
	Received int      `json:"received"`
	Applied  int      `json:"applied"`
	Ignored  int      `json:"ignored"`
	Errors   []string `json:"errors,omitempty"`
}

func (s *Server) callback(route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			metrics.CallbacksReceived.WithLabelValues(route, "too_large").Inc()
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		report, err := s.callbacks.HandleCallback(r.Context(), body, r.Header.Get("Authorization"))
		switch {
		case errors.Is(err, errors.ErrUnauthorized):
			metrics.CallbacksReceived.WithLabelValues(route, "unauthorized").Inc()
			w.Header().Set("WWW-Authenticate", `Basic realm="callbacks"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		case errors.Is(err, errors.ErrUnrecognizedEvent):
			metrics.CallbacksReceived.WithLabelValues(route, "unrecognized").Inc()
			http.Error(w, "unable to handle this event", http.StatusBadRequest)
			return
		case err != nil:
			metrics.CallbacksReceived.WithLabelValues(route, "error").Inc()
			s.logger.Error("callback failed", map[string]interface{}{"route": route, "error": err})
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		resp := callbackResponse{
			Parser:   report.Parser,
			Received: report.Received,
			Applied:  report.Applied,
			Ignored:  report.Ignored,
		}
		for _, e := range report.Errors {
			resp.Errors = append(resp.Errors, e.Error())
		}

		// A transient record failure asks the provider to redeliver.
		status := http.StatusOK
		outcome := "ok"
		if report.Retryable() {
			status = http.StatusServiceUnavailable
			outcome = "retry"
		} else if len(report.Errors) > 0 {
			outcome = "partial"
		}
		metrics.CallbacksReceived.WithLabelValues(route, outcome).Inc()
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
