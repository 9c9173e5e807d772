// Package mcp exposes the context agent as Model Context Protocol tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kailas-cloud/therapist/internal/domain"
	logpkg "github.com/kailas-cloud/therapist/internal/logger"
)

// ServerName is the MCP server name.
const ServerName = "therapist"

// ContextGatherer fuses web and vector context for a query.
type ContextGatherer interface {
	Process(ctx context.Context, query string) (domain.ContextInfo, error)
	ProcessAsync(ctx context.Context, query string) (domain.ContextInfo, error)
}

// Responder produces a therapist reply grounded in gathered context.
type Responder interface {
	Respond(ctx context.Context, message string, info domain.ContextInfo) (string, error)
}

// Server wraps the MCP server with the context agent.
type Server struct {
	mcp       *server.MCPServer
	agent     ContextGatherer
	responder Responder
	logger    *zap.Logger
}

// NewServer registers gather_context, and chat when responder is not nil.
func NewServer(agent ContextGatherer, responder Responder, version string, logger *zap.Logger) *Server {
	s := &Server{
		mcp:       server.NewMCPServer(ServerName, version),
		agent:     agent,
		responder: responder,
		logger:    logpkg.OrNop(logger),
	}
	s.mcp.AddTool(gatherContextTool(), s.handleGatherContext)
	if responder != nil {
		s.mcp.AddTool(chatTool(), s.handleChat)
	}
	return s
}

// Serve runs the server on stdio and blocks until stdin closes.
func (s *Server) Serve() error {
	if err := server.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("serve stdio: %w", err)
	}
	return nil
}

func gatherContextTool() mcp.Tool {
	return mcp.Tool{
		Name:        "gather_context",
		Description: "Gather web and knowledge base context for a therapy related query",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "User query; may be empty",
				},
				"mode": map[string]any{
					"type":        "string",
					"description": "sync runs web then vector search, async runs them concurrently",
					"enum":        []string{"sync", "async"},
					"default":     "async",
				},
			},
			Required: []string{"query"},
		},
	}
}

func chatTool() mcp.Tool {
	return mcp.Tool{
		Name:        "chat",
		Description: "Answer a message as a supportive therapist using gathered context",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "What the user said",
				},
			},
			Required: []string{"message"},
		},
	}
}

func (s *Server) handleGatherContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return mcp.NewToolResultError("invalid arguments"), nil
	}
	query, ok := args["query"].(string)
	if !ok {
		return mcp.NewToolResultError("query parameter must be a string"), nil
	}
	mode, _ := args["mode"].(string)

	var (
		info domain.ContextInfo
		err  error
	)
	switch mode {
	case "sync":
		info, err = s.agent.Process(ctx, query)
	case "async", "":
		info, err = s.agent.ProcessAsync(ctx, query)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown mode %q", mode)), nil
	}
	if err != nil {
		s.logger.Warn("gather_context failed", zap.Error(err))
		return nil, fmt.Errorf("gather context: %w", err)
	}

	return textJSON(info)
}

func (s *Server) handleChat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return mcp.NewToolResultError("invalid arguments"), nil
	}
	message, _ := args["message"].(string)
	if message == "" {
		return mcp.NewToolResultError("message parameter is required"), nil
	}

	info, err := s.agent.ProcessAsync(ctx, message)
	if err != nil {
		return nil, fmt.Errorf("gather context: %w", err)
	}
	reply, err := s.responder.Respond(ctx, message, info)
	if err != nil {
		s.logger.Warn("chat failed", zap.Error(err))
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(reply), nil
}

func textJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
