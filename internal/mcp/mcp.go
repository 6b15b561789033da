// Package mcp implements the Model Context Protocol dispatcher for Mnemos.
//
// The same tool surface is served over two transports: line-delimited
// JSON-RPC on standard streams for local integrations, and streamable HTTP
// on POST /mcp behind bearer authentication. Long-running tools (contact
// sync, synchronous backfill) are registered only on the long-lived stdio
// transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mnemos-ai/mnemos/internal/contacts"
	"github.com/mnemos-ai/mnemos/internal/ctxutil"
	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/service/memsvc"
	"github.com/mnemos-ai/mnemos/internal/session"
)

// Options toggle transport-dependent parts of the surface.
type Options struct {
	// LocalTools registers the long-running tools (sync_contacts,
	// backfill_embeddings) that only fit the long-lived transport.
	LocalTools bool

	// SyncDefaults seed every sync_contacts run from server config.
	// Request arguments override them per call.
	SyncDefaults contacts.Options
}

// Server wraps the MCP server with the memory core.
type Server struct {
	mcpServer *mcpserver.MCPServer
	core      *memsvc.Service
	logger    *slog.Logger
	opts      Options
}

// New creates and configures an MCP server with all resources and tools.
func New(core *memsvc.Service, logger *slog.Logger, opts Options) *Server {
	s := &Server{
		core:   core,
		logger: logger,
		opts:   opts,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"mnemos",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerMemoryTools()
	s.registerEntityTools()
	if opts.LocalTools {
		s.registerLocalTools()
	}

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// identity resolves the authenticated caller from the request context.
func identity(ctx context.Context) (session.Identity, error) {
	id, ok := ctxutil.IdentityFromContext(ctx)
	if !ok {
		return session.Identity{}, fmt.Errorf("mcp: no authenticated identity: %w", model.ErrUnauthenticated)
	}
	return id, nil
}

// respond renders the common envelope as a tool result.
func respond(env memsvc.Envelope) *mcplib.CallToolResult {
	data, err := json.Marshal(env)
	if err != nil {
		return errorResult(fmt.Sprintf("marshal response: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
		IsError: env.Status == "error",
	}
}

func ok(data any, message string) *mcplib.CallToolResult {
	return respond(memsvc.OK(data, message))
}

func fail(err error) *mcplib.CallToolResult {
	return respond(memsvc.Fail(err))
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func (s *Server) registerResources() {
	// mnemos://stats/current: the requesting user's memory statistics.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"mnemos://stats/current",
			"Memory Statistics",
			mcplib.WithResourceDescription("Counts, embedding coverage, and search health for the current user"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatsResource,
	)

	// mnemos://memories/recent: most recently updated memories.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"mnemos://memories/recent",
			"Recent Memories",
			mcplib.WithResourceDescription("The current user's most recently updated memories"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentResource,
	)
}

func (s *Server) handleStatsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.core.Statistics(ctx, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("mcp: stats resource: %w", err)
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal stats: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "mnemos://stats/current",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRecentResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	memories, err := s.core.ListMemories(ctx, id.UserID, model.MemoryFilter{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent memories: %w", err)
	}
	data, err := json.MarshalIndent(memories, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal memories: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "mnemos://memories/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
