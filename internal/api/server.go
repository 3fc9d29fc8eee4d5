// Package api exposes the HTTP surface: Slack interaction endpoints, health,
// metrics, and the read-only incident API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/railwatch/railwatch/internal/conversation"
	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/notifier"
	"github.com/railwatch/railwatch/internal/store"
	"github.com/railwatch/railwatch/internal/stream"
	"github.com/railwatch/railwatch/internal/telemetry"
)

// dbProbeTimeout bounds the health check's database round trip.
const dbProbeTimeout = time.Second

// Store is the read surface the API serves.
type Store interface {
	Ping(ctx context.Context) error
	ListIncidents(ctx context.Context, filter store.IncidentFilter) ([]*models.Incident, error)
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListActionsForIncident(ctx context.Context, incidentID string) ([]*models.RemediationAction, error)
	ListSubscriptionStates(ctx context.Context) ([]models.SubscriptionState, error)
}

// Streams reports log stream connectivity.
type Streams interface {
	ConnectedCount() int
	Connections() []stream.ConnectionInfo
}

// Server wires the chi router over the pipeline components.
type Server struct {
	store         Store
	streams       Streams
	notifier      *notifier.Notifier
	conversations *conversation.Manager
	collector     *telemetry.Collector
	registry      *prometheus.Registry
	signingSecret string
	logger        *slog.Logger
}

// NewServer constructs the API server.
func NewServer(st Store, streams Streams, n *notifier.Notifier, cm *conversation.Manager, collector *telemetry.Collector, registry *prometheus.Registry, signingSecret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:         st,
		streams:       streams,
		notifier:      n,
		conversations: cm,
		collector:     collector,
		registry:      registry,
		signingSecret: signingSecret,
		logger:        logger.With(slog.String("component", "api")),
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Post("/slack/interactive", s.handleInteractive)
	r.Post("/slack/slash", s.handleSlash)

	r.Route("/api", func(r chi.Router) {
		r.Get("/incidents", s.handleListIncidents)
		r.Get("/incidents/{id}", s.handleGetIncident)
		r.Get("/incidents/{id}/actions", s.handleListActions)
		r.Get("/telemetry", s.handleTelemetry)
		r.Get("/connections", s.handleConnections)
		r.Get("/subscriptions", s.handleSubscriptions)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), dbProbeTimeout)
	defer cancel()

	components := map[string]string{"app": "ok"}
	status := "ok"
	code := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		components["database"] = "error"
		status = "degraded"
		code = http.StatusServiceUnavailable
	} else {
		components["database"] = "ok"
	}

	// At least one acknowledged subscription keeps the stream component ok.
	if s.streams != nil && s.streams.ConnectedCount() > 0 {
		components["log_stream"] = "ok"
	} else {
		components["log_stream"] = "degraded"
	}

	writeJSON(w, code, map[string]any{"status": status, "components": components})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	filter := store.IncidentFilter{
		ServiceID: r.URL.Query().Get("service_id"),
		Status:    models.IncidentStatus(r.URL.Query().Get("status")),
	}
	incidents, err := s.store.ListIncidents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list incidents failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := s.store.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	writeJSON(w, http.StatusOK, incident)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.store.ListActionsForIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list actions failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusNotFound, "telemetry disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.collector.Current())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.streams == nil {
		writeJSON(w, http.StatusOK, map[string]any{"connections": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": s.streams.Connections()})
}

// handleSubscriptions serves the last persisted connection snapshot, which
// unlike /api/connections survives a restart.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.ListSubscriptionStates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list subscriptions failed")
		return
	}
	if states == nil {
		states = []models.SubscriptionState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": states})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
