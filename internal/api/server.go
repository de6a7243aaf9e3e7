// Package api contains the HTTP surface of the workflow service: event
// ingestion, instance inspection, inbound reply webhooks and engagement
// tracking.
package api

import (
	"context"
	"net/http"
	"time"

	"careflow/backend/internal/auth"
	"careflow/backend/internal/engine"
	"careflow/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

// Engine is the part of the orchestrator the HTTP surface calls.
type Engine interface {
	TriggerEvent(ctx context.Context, eventType models.EventType, data models.ContextData) ([]*models.Instance, error)
	TriggerInputEvent(ctx context.Context, patientID string, channel models.Channel, text string) (int, error)
	HandleTrackingEvent(ctx context.Context, sig engine.TrackingSignal) ([]*models.Instance, error)
}

// Store is the read side the handlers need.
type Store interface {
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	ListLogs(ctx context.Context, instanceID string) ([]*models.LogEntry, error)
	Ping(ctx context.Context) error
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configure the unauthenticated endpoints.
type Options struct {
	WebhookSecret        string
	AllowedRedirectHosts []string
	Version              string
}

// Server holds the dependencies for the API server.
type Server struct {
	engine       Engine
	store        Store
	logger       Logger
	secret       string
	allowedHosts map[string]bool
	version      string
}

// NewServer creates a new Server.
func NewServer(eng Engine, store Store, logger Logger, opts Options) *Server {
	hosts := make(map[string]bool, len(opts.AllowedRedirectHosts))
	for _, h := range opts.AllowedRedirectHosts {
		hosts[normalizeHost(h)] = true
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		engine:       eng,
		store:        store,
		logger:       logger,
		secret:       opts.WebhookSecret,
		allowedHosts: hosts,
		version:      version,
	}
}

// RegisterRoutes mounts every handler on e. The protected middleware runs
// in front of the /api/v1 group and must establish an auth.Principal.
func (s *Server) RegisterRoutes(e *echo.Echo, protected ...echo.MiddlewareFunc) {
	v1 := e.Group("/api/v1", protected...)
	v1.POST("/events", s.PostEvent, requireScope(auth.ScopeEventsWrite))
	v1.GET("/instances/:id", s.GetInstance, requireScope(auth.ScopeInstancesRead))
	v1.GET("/instances/:id/logs", s.ListInstanceLogs, requireScope(auth.ScopeInstancesRead))

	e.POST("/webhooks/inbound", s.InboundWebhook)
	e.GET("/track/open", s.TrackOpen)
	e.GET("/track/click", s.TrackClick)
	e.GET("/health", s.Health)
}

func requireScope(scope string) echo.MiddlewareFunc {
	return echo.WrapMiddleware(auth.RequireScope(scope))
}

// Health reports service and database health.
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   "careflow",
		Version:   s.version,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{"database": "ok"},
	}
	code := http.StatusOK
	if err := s.store.Ping(c.Request().Context()); err != nil {
		status.Status = "degraded"
		status.Checks["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
