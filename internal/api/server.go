// Package api provides the HTTP intake surface: job submission and polling,
// schedule management, artifact download URLs, and operational probes.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/delivery"
)

// Pinger covers the store connectivity probe used by readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server configuration.
type Config struct {
	Port        int
	Logger      *zap.Logger
	Store       Store
	Queue       Enqueuer
	Delivery    delivery.Adapter
	StorePinger Pinger
	RedisClient *redis.Client
	Retention   time.Duration
	// AllowedSourceCollections and DefaultSourceCollection mirror the
	// processor's allowlist so bad requests fail at intake.
	AllowedSourceCollections []string
}

// Server wraps the HTTP router and its collaborators.
type Server struct {
	router      *chi.Mux
	logger      *zap.Logger
	storePinger Pinger
	redisClient *redis.Client
}

// NewServer creates the router with middleware, probe endpoints, and the
// report API routes.
func NewServer(cfg Config) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	s := &Server{
		router:      r,
		logger:      cfg.Logger,
		storePinger: cfg.StorePinger,
		redisClient: cfg.RedisClient,
	}

	r.Get("/healthz", healthzHandler)
	r.Get("/readyz", s.readyzHandler)
	r.Handle("/metrics", promhttp.Handler())

	jobs := NewJobsHandler(cfg.Store, cfg.Queue, cfg.Logger, cfg.Retention, cfg.AllowedSourceCollections).
		WithSigner(cfg.Delivery)
	schedules := NewSchedulesHandler(cfg.Store, cfg.Logger, cfg.AllowedSourceCollections)

	r.Route("/reports/v1", func(r chi.Router) {
		r.Use(Auth(cfg.Store, cfg.Logger))
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobs.CreateJob)
			r.Get("/", jobs.ListJobs)
			r.Get("/{jobId}", jobs.GetJob)
			r.Get("/{jobId}/download", jobs.GetDownloadURL)
		})
		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", schedules.CreateSchedule)
			r.Get("/", schedules.ListSchedules)
			r.Get("/{scheduleId}", schedules.GetSchedule)
			r.Put("/{scheduleId}", schedules.UpdateSchedule)
			r.Delete("/{scheduleId}", schedules.DeleteSchedule)
		})
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readyzHandler checks connectivity to the store and the queue.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := make(map[string]string)
	ready := true

	if s.storePinger != nil {
		if err := s.storePinger.Ping(ctx); err != nil {
			components["mongo"] = "unhealthy"
			ready = false
		} else {
			components["mongo"] = "healthy"
		}
	} else {
		components["mongo"] = "not_configured"
		ready = false
	}

	if s.redisClient != nil {
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			components["redis"] = "unhealthy"
			ready = false
		} else {
			components["redis"] = "healthy"
		}
	} else {
		components["redis"] = "not_configured"
		ready = false
	}

	response := map[string]any{
		"status":     "ready",
		"components": components,
		"timestamp":  time.Now().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		response["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}
