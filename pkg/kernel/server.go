package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// Engine is the job engine surface the API drives.
type Engine interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (domain.Job, error)
	Cancel(ctx context.Context, id domain.JobID) bool
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	Recover(ctx context.Context, id domain.JobID, opts domain.RecoveryOptions) (domain.RecoveryPlan, error)
	Checkpoints(ctx context.Context, id domain.JobID) ([]domain.Checkpoint, error)
	GetMetrics() domain.Metrics
	ResetCircuitBreaker() domain.Metrics
	Statistics(ctx context.Context) (domain.JobStatistics, error)
}

// ResourceReader exposes the latest resource sample.
type ResourceReader interface {
	Latest() domain.ResourceSnapshot
}

// Subscriber streams events published on a channel.
type Subscriber interface {
	Subscribe(channel string) (<-chan domain.JobEvent, func())
}

// SettingsManager reads and updates the runtime tunables.
type SettingsManager interface {
	MaskedSettings() domain.RuntimeSettings
	Update(ctx context.Context, update domain.RuntimeSettings) (domain.RuntimeSettings, error)
}

type Server struct {
	logger    *slog.Logger
	engine    Engine
	resources ResourceReader
	events    Subscriber
	settings  SettingsManager
	gatherer  prometheus.Gatherer
	origins   []string
	keepAlive time.Duration
}

// Options carries the optional parts of the server.
type Options struct {
	Settings       SettingsManager     // nil disables /v1/settings
	Gatherer       prometheus.Gatherer // nil disables /metrics
	AllowedOrigins []string
}

func NewServer(logger *slog.Logger, engine Engine, resources ResourceReader, events Subscriber, opts Options) *Server {
	return &Server{
		logger:    logger,
		engine:    engine,
		resources: resources,
		events:    events,
		settings:  opts.Settings,
		gatherer:  opts.Gatherer,
		origins:   opts.AllowedOrigins,
		keepAlive: 15 * time.Second,
	}
}

// Handler returns the routed API wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /v1/jobs/{id}/recover", s.handleRecoverJob)
	mux.HandleFunc("GET /v1/jobs/{id}/checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobEvents)

	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("POST /v1/circuit-breaker/reset", s.handleResetCircuitBreaker)
	mux.HandleFunc("GET /v1/resources", s.handleResources)
	mux.HandleFunc("GET /v1/statistics", s.handleStatistics)

	if s.settings != nil {
		mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
		mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}

type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		duplicate  *domain.DuplicateJobError
		exhausted  *domain.ResourceExhaustedError
		queueFull  *domain.QueueFullError
		circuit    *domain.CircuitOpenError
		retryLimit *domain.RetryLimitExceededError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation"})
	case errors.As(err, &duplicate):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "duplicate"})
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "resources_exhausted"})
	case errors.As(err, &queueFull):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error(), Code: "queue_full"})
	case errors.As(err, &circuit):
		secs := int(circuit.RetryAfter.Round(time.Second) / time.Second)
		if secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "circuit_open", RetryAfter: secs})
	case errors.As(err, &retryLimit):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "retry_limit_exceeded"})
	case errors.Is(err, domain.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
	}
}
