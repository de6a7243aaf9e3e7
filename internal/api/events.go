package api

import (
	"errors"
	"net/http"

	"careflow/backend/internal/auth"
	"careflow/backend/internal/engine"
	"careflow/backend/internal/repository"
	"careflow/backend/pkg/models"

	"github.com/labstack/echo/v4"
)

// EventRequest is the body of POST /api/v1/events.
type EventRequest struct {
	EventType models.EventType   `json:"eventType"`
	Context   models.ContextData `json:"context"`
}

// EventResponse lists the instances an event started.
type EventResponse struct {
	Instances []*models.Instance `json:"instances"`
}

// PostEvent dispatches a business event for the caller's tenant.
// (POST /api/v1/events)
func (s *Server) PostEvent(c echo.Context) error {
	var req EventRequest
	if err := c.Bind(&req); err != nil {
		return writeProblem(c, http.StatusBadRequest, "Bad Request", "invalid request body")
	}
	if req.EventType == "" {
		return writeProblem(c, http.StatusBadRequest, "Bad Request", "eventType is required")
	}

	ctx := c.Request().Context()
	data := req.Context.Clone()
	// The principal's tenant always wins over whatever the caller put in the payload.
	delete(data, models.KeyTenantID)
	if tenantID := auth.TenantID(ctx); tenantID != "" {
		data[models.KeyTenantID] = tenantID
	}

	started, err := s.engine.TriggerEvent(ctx, req.EventType, data)
	if errors.Is(err, engine.ErrMissingTenant) {
		return writeProblem(c, http.StatusUnprocessableEntity, "Unprocessable Entity", "event carries no tenant")
	}
	if err != nil {
		s.logger.Error("Failed to dispatch event", "event_type", req.EventType, "error", err)
		return writeProblem(c, http.StatusInternalServerError, "Internal Server Error", "failed to dispatch event")
	}
	if started == nil {
		started = []*models.Instance{}
	}
	return c.JSON(http.StatusAccepted, EventResponse{Instances: started})
}

// GetInstance returns one workflow instance of the caller's tenant.
// (GET /api/v1/instances/{id})
func (s *Server) GetInstance(c echo.Context) error {
	inst, err := s.tenantInstance(c)
	if err != nil || inst == nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// ListInstanceLogs returns an instance's execution log.
// (GET /api/v1/instances/{id}/logs)
func (s *Server) ListInstanceLogs(c echo.Context) error {
	inst, err := s.tenantInstance(c)
	if err != nil || inst == nil {
		return err
	}
	logs, err := s.store.ListLogs(c.Request().Context(), inst.ID)
	if err != nil {
		s.logger.Error("Failed to list execution log", "instance_id", inst.ID, "error", err)
		return writeProblem(c, http.StatusInternalServerError, "Internal Server Error", "failed to list execution log")
	}
	if logs == nil {
		logs = []*models.LogEntry{}
	}
	return c.JSON(http.StatusOK, logs)
}

// tenantInstance loads the :id instance. Instances of other tenants are
// reported as missing. A nil instance with a nil error means a problem
// response was already written.
func (s *Server) tenantInstance(c echo.Context) (*models.Instance, error) {
	ctx := c.Request().Context()
	id := c.Param("id")
	inst, err := s.store.GetInstance(ctx, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && inst.TenantID != auth.TenantID(ctx)) {
		return nil, writeProblem(c, http.StatusNotFound, "Not Found", "instance not found")
	}
	if err != nil {
		s.logger.Error("Failed to load instance", "instance_id", id, "error", err)
		return nil, writeProblem(c, http.StatusInternalServerError, "Internal Server Error", "failed to load instance")
	}
	return inst, nil
}
