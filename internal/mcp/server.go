package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"approvalflow/internal/repository"
	"approvalflow/internal/services"
	"approvalflow/pkg/models"
)

// Server exposes the analytics read surface over MCP. Every tool is
// read-only; no write path exists through this consumer.
type Server struct {
	mcpServer *server.MCPServer
	repo      repository.Repository
	sla       *services.SLAService
}

// NewServer creates a new Server.
func NewServer(repo repository.Repository, sla *services.SLAService) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Approval Workflow",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		repo: repo,
		sla:  sla,
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
			"list_pending_requests",
			mcp.WithDescription("List approval requests that are still pending"),
			mcp.WithString("flow_key", mcp.Description("Restrict to one workflow flow key")),
		),
		s.handleListPending,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_request",
			mcp.WithDescription("Fetch one approval request including its frozen steps snapshot"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the request")),
		),
		s.handleGetRequest,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_request_history",
			mcp.WithDescription("Fetch the append-only audit ledger for a request"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The ID of the request")),
		),
		s.handleGetHistory,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_overdue_requests",
			mcp.WithDescription("List pending requests whose SLA deadline has passed"),
		),
		s.handleListOverdue,
	)
}

func (s *Server) handleListPending(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	flowKey, _ := args["flow_key"].(string)

	reqs, err := s.repo.ListRequests(ctx, repository.RequestFilter{
		Status:  models.StatusPending,
		FlowKey: flowKey,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list pending requests: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(reqs)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get request: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(req)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	id, ok := args["id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	entries, err := s.repo.ListHistory(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(entries)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListOverdue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reqs, err := s.sla.GetOverdue(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list overdue requests: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(reqs)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
