// Package mcp exposes the workflow engine as Model Context Protocol tools so
// assistants can dispatch events and inspect instances.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"careflow/backend/internal/auth"
	"careflow/backend/internal/repository"
	"careflow/backend/pkg/models"

	"github.com/labstack/echo/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Engine is the part of the orchestrator the tools call.
type Engine interface {
	TriggerEvent(ctx context.Context, eventType models.EventType, data models.ContextData) ([]*models.Instance, error)
	TriggerTenantInputEvent(ctx context.Context, tenantID, patientID string, channel models.Channel, text string) (int, error)
}

// Store is the read side the tools need.
type Store interface {
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	ListLogs(ctx context.Context, instanceID string) ([]*models.LogEntry, error)
}

type Server struct {
	mcpServer *server.MCPServer
	engine    Engine
	store     Store
}

func NewServer(eng Engine, store Store, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Careflow Workflows",
			version,
			server.WithToolCapabilities(true),
		),
		engine: eng,
		store:  store,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"trigger_event",
			mcp.WithDescription("Dispatch a business event to the caller's tenant and start every matching workflow"),
			mcp.WithString("event_type", mcp.Required(), mcp.Description("Event type, e.g. appointment_created")),
			mcp.WithString("context", mcp.Description("JSON object with the event payload (patientId, appointmentId, ...)")),
		),
		s.handleTriggerEvent,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_instance",
			mcp.WithDescription("Get a workflow instance by ID"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the instance")),
		),
		s.handleGetInstance,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_execution_log",
			mcp.WithDescription("List the execution log of a workflow instance"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the instance")),
		),
		s.handleListExecutionLog,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_input",
			mcp.WithDescription("Deliver a patient reply to the patient's waiting workflows"),
			mcp.WithString("patient_id", mcp.Required(), mcp.Description("The patient who replied")),
			mcp.WithString("text", mcp.Required(), mcp.Description("The reply text")),
			mcp.WithString("channel", mcp.Description("sms, whatsapp or email; defaults to sms")),
		),
		s.handleSubmitInput,
	)
}

func (s *Server) handleTriggerEvent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	eventType, ok := args["event_type"].(string)
	if !ok || eventType == "" {
		return mcp.NewToolResultError("Missing required parameter: event_type"), nil
	}

	data := models.ContextData{}
	if raw, ok := args["context"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid context JSON: %v", err)), nil
		}
	}
	delete(data, models.KeyTenantID)
	if tenantID := auth.TenantID(ctx); tenantID != "" {
		data[models.KeyTenantID] = tenantID
	}

	started, err := s.engine.TriggerEvent(ctx, models.EventType(eventType), data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to trigger event: %v", err)), nil
	}
	if started == nil {
		started = []*models.Instance{}
	}

	jsonBytes, _ := json.Marshal(started)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	inst, errResult := s.tenantInstance(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	jsonBytes, _ := json.Marshal(inst)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListExecutionLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	inst, errResult := s.tenantInstance(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	logs, err := s.store.ListLogs(ctx, inst.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list execution log: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(logs)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleSubmitInput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	patientID, ok := args["patient_id"].(string)
	if !ok || patientID == "" {
		return mcp.NewToolResultError("Missing required parameter: patient_id"), nil
	}
	text, ok := args["text"].(string)
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: text"), nil
	}
	channel := models.ChannelSMS
	if c, ok := args["channel"].(string); ok && c != "" {
		channel = models.Channel(c)
	}

	tenantID := auth.TenantID(ctx)
	if tenantID == "" {
		return mcp.NewToolResultError("Caller has no tenant"), nil
	}

	resumed, err := s.engine.TriggerTenantInputEvent(ctx, tenantID, patientID, channel, text)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit input: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Resumed %d waiting instance(s)", resumed)), nil
}

// tenantInstance loads the instance named by the "id" argument. Instances of
// other tenants are reported as missing.
func (s *Server) tenantInstance(ctx context.Context, request mcp.CallToolRequest) (*models.Instance, *mcp.CallToolResult) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, mcp.NewToolResultError("Invalid arguments type")
	}

	id, ok := args["id"].(string)
	if !ok || id == "" {
		return nil, mcp.NewToolResultError("Missing required parameter: id")
	}

	inst, err := s.store.GetInstance(ctx, id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && inst.TenantID != auth.TenantID(ctx)) {
		return nil, mcp.NewToolResultError("Instance not found: " + id)
	}
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("Failed to get instance: %v", err))
	}
	return inst, nil
}

// Mount serves the SSE transport under /mcp behind the given middleware. The
// authenticated principal is carried into tool calls.
func Mount(e *echo.Echo, mcpServer *server.MCPServer, middleware ...echo.MiddlewareFunc) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if p, ok := auth.FromContext(r.Context()); ok {
				return auth.WithPrincipal(ctx, p)
			}
			return ctx
		}),
	)

	g := e.Group("/mcp", middleware...)
	g.GET("/sse", echo.WrapHandler(sseServer))
	g.POST("/message", echo.WrapHandler(sseServer))
}
