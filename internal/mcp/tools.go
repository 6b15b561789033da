package mcp

import (
	"context"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/service/memsvc"
)

func (s *Server) registerMemoryTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("store_memory",
			mcplib.WithDescription("Store a new memory with optional tags, metadata, and embedding generation"),
			mcplib.WithString("content", mcplib.Description("Memory body text"), mcplib.Required()),
			mcplib.WithString("title", mcplib.Description("Short title")),
			mcplib.WithString("type", mcplib.Description("Memory type (semantic, episodic, procedural, fact, MEMORY, SYSTEM, LEARNED)")),
			mcplib.WithNumber("importance", mcplib.Description("Importance 0.0-1.0, default 0.5")),
			mcplib.WithArray("tags", mcplib.Description("Tags for keyword and link matching")),
			mcplib.WithArray("entity_refs", mcplib.Description("Referenced entity ids")),
			mcplib.WithObject("metadata", mcplib.Description("Free-form metadata object")),
			mcplib.WithBoolean("generate_embedding", mcplib.Description("Generate the vector now, default true")),
			mcplib.WithBoolean("use_buffer", mcplib.Description("Enqueue durably instead of writing synchronously")),
		),
		s.handleStoreMemory,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("recall_memories",
			mcplib.WithDescription("Hybrid search over memories: vector similarity, keywords, and key:value metadata predicates"),
			mcplib.WithString("query", mcplib.Description("Search query; key:value tokens become metadata predicates"), mcplib.Required()),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results, default 10")),
			mcplib.WithString("strategy", mcplib.Description("Ranking strategy: composite, similarity, recency, importance")),
			mcplib.WithNumber("threshold", mcplib.Description("Minimum similarity 0.0-1.0, default 0.3")),
			mcplib.WithArray("types", mcplib.Description("Restrict to these memory types")),
			mcplib.WithArray("tags", mcplib.Description("Restrict to memories carrying any of these tags")),
		),
		s.handleRecallMemories,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_memory",
			mcplib.WithDescription("Fetch one memory by id"),
			mcplib.WithString("id", mcplib.Description("Memory id"), mcplib.Required()),
		),
		s.handleGetMemory,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("update_memory",
			mcplib.WithDescription("Partially update a memory; changing title or content re-embeds it"),
			mcplib.WithString("id", mcplib.Description("Memory id"), mcplib.Required()),
			mcplib.WithString("title", mcplib.Description("New title")),
			mcplib.WithString("content", mcplib.Description("New body text")),
			mcplib.WithString("type", mcplib.Description("New memory type")),
			mcplib.WithNumber("importance", mcplib.Description("New importance 0.0-1.0")),
			mcplib.WithArray("tags", mcplib.Description("Replacement tag list")),
			mcplib.WithObject("metadata", mcplib.Description("Replacement metadata object")),
			mcplib.WithBoolean("use_buffer", mcplib.Description("Enqueue durably instead of writing synchronously")),
		),
		s.handleUpdateMemory,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("delete_memory",
			mcplib.WithDescription("Delete one memory by id"),
			mcplib.WithString("id", mcplib.Description("Memory id"), mcplib.Required()),
		),
		s.handleDeleteMemory,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_memory_stats",
			mcplib.WithDescription("Counts, embedding coverage, and a vector-search health recommendation"),
		),
		s.handleStats,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("update_missing_embeddings",
			mcplib.WithDescription("Start a backfill pass for memories without embeddings; returns immediately"),
		),
		s.handleUpdateMissingEmbeddings,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_daily_costs",
			mcplib.WithDescription("Embedding API usage and cost for one UTC day"),
			mcplib.WithString("date", mcplib.Description("Day in YYYY-MM-DD form, default today")),
		),
		s.handleDailyCosts,
	)
}

func (s *Server) handleStoreMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}

	in := memsvc.AddMemoryInput{
		Title:     request.GetString("title", ""),
		Content:   request.GetString("content", ""),
		Type:      model.MemoryType(request.GetString("type", "")),
		Tags:      request.GetStringSlice("tags", nil),
		Metadata:  objectArg(request, "metadata"),
		UseBuffer: request.GetBool("use_buffer", false),
	}
	if imp, ok := floatArg(request, "importance"); ok {
		in.Importance = &imp
	}
	gen := request.GetBool("generate_embedding", true)
	in.GenerateEmbedding = &gen
	refs, err := uuidSlice(request.GetStringSlice("entity_refs", nil))
	if err != nil {
		return fail(err), nil
	}
	in.EntityRefs = refs

	res, err := s.core.AddMemory(ctx, id.UserID, in)
	if err != nil {
		return fail(err), nil
	}
	msg := "memory stored"
	if res.Buffered {
		msg = "memory buffered for asynchronous write"
	}
	if res.Warning != "" {
		msg = res.Warning
	}
	return ok(res, msg), nil
}

func (s *Server) handleRecallMemories(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}

	req := model.SearchRequest{
		Query:     request.GetString("query", ""),
		Limit:     request.GetInt("limit", 10),
		Strategy:  model.SearchStrategy(request.GetString("strategy", "")),
		Threshold: float32(request.GetFloat("threshold", 0.3)),
		TagsAnyOf: request.GetStringSlice("tags", nil),
	}
	for _, t := range request.GetStringSlice("types", nil) {
		req.MemoryTypes = append(req.MemoryTypes, model.MemoryType(t))
	}

	res, err := s.core.SearchMemories(ctx, id.UserID, req)
	if err != nil {
		return fail(err), nil
	}
	msg := fmt.Sprintf("search mode: %s", res.Mode)
	if res.EmbeddingError != "" {
		msg += " (vector pass degraded: " + res.EmbeddingError + ")"
	}
	return ok(res, msg), nil
}

func (s *Server) handleGetMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	memID, err := uuidArg(request, "id")
	if err != nil {
		return fail(err), nil
	}
	m, err := s.core.GetMemory(ctx, id.UserID, memID)
	if err != nil {
		return fail(err), nil
	}
	return ok(m, ""), nil
}

func (s *Server) handleUpdateMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	memID, err := uuidArg(request, "id")
	if err != nil {
		return fail(err), nil
	}

	var patch model.MemoryPatch
	args := request.GetArguments()
	if _, has := args["title"]; has {
		v := request.GetString("title", "")
		patch.Title = &v
	}
	if _, has := args["content"]; has {
		v := request.GetString("content", "")
		patch.Content = &v
	}
	if _, has := args["type"]; has {
		v := model.MemoryType(request.GetString("type", ""))
		patch.Type = &v
	}
	if imp, okArg := floatArg(request, "importance"); okArg {
		patch.Importance = &imp
	}
	if _, has := args["tags"]; has {
		patch.Tags = request.GetStringSlice("tags", []string{})
	}
	if md := objectArg(request, "metadata"); md != nil {
		patch.Metadata = md
	}

	res, err := s.core.UpdateMemory(ctx, id.UserID, memID, memsvc.UpdateMemoryInput{
		Patch:     patch,
		UseBuffer: request.GetBool("use_buffer", false),
	})
	if err != nil {
		return fail(err), nil
	}
	msg := "memory updated"
	if res.Buffered {
		msg = "update buffered for asynchronous write"
	}
	if res.Warning != "" {
		msg = res.Warning
	}
	return ok(res, msg), nil
}

func (s *Server) handleDeleteMemory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	memID, err := uuidArg(request, "id")
	if err != nil {
		return fail(err), nil
	}
	if err := s.core.DeleteMemory(ctx, id.UserID, memID); err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"id": memID}, "memory deleted"), nil
}

func (s *Server) handleStats(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	stats, err := s.core.Statistics(ctx, id.UserID)
	if err != nil {
		return fail(err), nil
	}
	return ok(stats, stats.Recommendation), nil
}

func (s *Server) handleUpdateMissingEmbeddings(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	msg, err := s.core.UpdateMissingEmbeddings(ctx, id.UserID)
	if err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"started": true}, msg), nil
}

func (s *Server) handleDailyCosts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	var day time.Time
	if raw := request.GetString("date", ""); raw != "" {
		day, err = time.Parse("2006-01-02", raw)
		if err != nil {
			return fail(fmt.Errorf("mcp: date must be YYYY-MM-DD: %w", model.ErrInvalidArgument)), nil
		}
	}
	costs, err := s.core.DailyCosts(ctx, id.UserID, day)
	if err != nil {
		return fail(err), nil
	}
	return ok(costs, ""), nil
}

// uuidArg parses a required UUID argument.
func uuidArg(request mcplib.CallToolRequest, key string) (uuid.UUID, error) {
	raw := request.GetString(key, "")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("mcp: %s is required: %w", key, model.ErrInvalidArgument)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: %s is not a valid id: %w", key, model.ErrInvalidArgument)
	}
	return id, nil
}

func uuidSlice(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("mcp: %q is not a valid id: %w", s, model.ErrInvalidArgument)
		}
		out = append(out, id)
	}
	return out, nil
}

// floatArg reads an optional number argument, distinguishing absent from
// zero.
func floatArg(request mcplib.CallToolRequest, key string) (float32, bool) {
	if _, has := request.GetArguments()[key]; !has {
		return 0, false
	}
	return float32(request.GetFloat(key, 0)), true
}

// objectArg reads an optional JSON-object argument.
func objectArg(request mcplib.CallToolRequest, key string) map[string]any {
	if v, ok := request.GetArguments()[key].(map[string]any); ok {
		return v
	}
	return nil
}
