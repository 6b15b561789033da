package mcp

import (
	"context"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mnemos-ai/mnemos/internal/contacts"
	"github.com/mnemos-ai/mnemos/internal/contacts/vcard"
	"github.com/mnemos-ai/mnemos/internal/model"
)

// registerLocalTools adds the tools that only fit the long-lived stdio
// transport: contact sync, synchronous backfill, and the interaction and
// calendar log.
func (s *Server) registerLocalTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("sync_contacts",
			mcplib.WithDescription("Synchronize person entities with a contact file: matching, conflict resolution, and duplicate detection"),
			mcplib.WithString("path", mcplib.Description("Path to the .vcf contact file"), mcplib.Required()),
			mcplib.WithString("direction", mcplib.Description("import, export, or both (default)")),
			mcplib.WithString("conflict", mcplib.Description("Conflict policy: newest (default), oldest, merge")),
			mcplib.WithBoolean("auto_merge", mcplib.Description("Merge confident duplicates automatically")),
			mcplib.WithBoolean("dry_run", mcplib.Description("Report what would change without writing")),
			mcplib.WithNumber("threshold", mcplib.Description("Judge confidence required to merge, default 90")),
		),
		s.handleSyncContacts,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("backfill_embeddings",
			mcplib.WithDescription("Run an embedding backfill pass now and wait for it to finish"),
		),
		s.handleBackfillNow,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("log_event",
			mcplib.WithDescription("Record a scheduled event tied to one or more entities"),
			mcplib.WithString("title", mcplib.Description("What the event is"), mcplib.Required()),
			mcplib.WithString("starts_at", mcplib.Description("RFC 3339 start time"), mcplib.Required()),
			mcplib.WithString("ends_at", mcplib.Description("RFC 3339 end time, optional")),
			mcplib.WithString("location", mcplib.Description("Where it happens")),
			mcplib.WithArray("entity_refs", mcplib.Description("Involved entity ids")),
		),
		s.handleLogEvent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("upcoming_events",
			mcplib.WithDescription("List events starting soon, soonest first"),
			mcplib.WithNumber("days", mcplib.Description("Look-ahead window in days, default 7")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum events to return, default 20")),
		),
		s.handleUpcomingEvents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("log_interaction",
			mcplib.WithDescription("Record an exchange involving one or more entities"),
			mcplib.WithString("content", mcplib.Description("What happened"), mcplib.Required()),
			mcplib.WithString("direction", mcplib.Description("incoming, outgoing, or none")),
			mcplib.WithArray("entity_refs", mcplib.Description("Involved entity ids")),
			mcplib.WithString("occurred_at", mcplib.Description("RFC 3339 timestamp, default now")),
		),
		s.handleLogInteraction,
	)
}

func (s *Server) handleSyncContacts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	path := request.GetString("path", "")
	if path == "" {
		return fail(fmt.Errorf("mcp: path is required: %w", model.ErrInvalidArgument)), nil
	}

	summary, err := s.core.SyncContacts(ctx, id.UserID, vcard.New(path), s.syncOptions(request))
	if err != nil {
		return fail(err), nil
	}
	msg := fmt.Sprintf("sync complete: %d imported, %d exported, %d updated, %d merged",
		summary.Imported, summary.Exported, summary.Updated, summary.Merged)
	return ok(summary, msg), nil
}

// syncOptions layers the request arguments over the configured defaults.
// Absent arguments leave the server-wide tuning (batch size, stream cap,
// dedup and judge thresholds) intact.
func (s *Server) syncOptions(request mcplib.CallToolRequest) contacts.Options {
	opts := s.opts.SyncDefaults
	if v := request.GetString("direction", ""); v != "" {
		opts.Direction = contacts.Direction(v)
	}
	if v := request.GetString("conflict", ""); v != "" {
		opts.Conflict = contacts.ConflictPolicy(v)
	}
	opts.AutoMerge = request.GetBool("auto_merge", opts.AutoMerge)
	opts.DryRun = request.GetBool("dry_run", false)
	if v := request.GetInt("threshold", 0); v > 0 {
		opts.JudgeThreshold = v
	}
	opts.Progress = func(done, total int) {
		s.logger.Info("mcp: contact sync progress", "done", done, "total", total)
	}
	return opts
}

func (s *Server) handleBackfillNow(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	res, err := s.core.BackfillNow(ctx, id.UserID)
	if err != nil {
		return fail(err), nil
	}
	return ok(res, fmt.Sprintf("backfill done: %d updated, %d skipped", res.Updated, res.Skipped)), nil
}

func (s *Server) handleLogEvent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	refs, err := uuidSlice(request.GetStringSlice("entity_refs", nil))
	if err != nil {
		return fail(err), nil
	}
	startsAt, err := time.Parse(time.RFC3339, request.GetString("starts_at", ""))
	if err != nil {
		return fail(fmt.Errorf("mcp: starts_at must be RFC 3339: %w", model.ErrInvalidArgument)), nil
	}
	var endsAt *time.Time
	if raw := request.GetString("ends_at", ""); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fail(fmt.Errorf("mcp: ends_at must be RFC 3339: %w", model.ErrInvalidArgument)), nil
		}
		endsAt = &t
	}
	ev, err := s.core.LogEvent(ctx, id.UserID,
		request.GetString("title", ""), request.GetString("location", ""), refs, startsAt, endsAt)
	if err != nil {
		return fail(err), nil
	}
	return ok(ev, "event logged"), nil
}

func (s *Server) handleUpcomingEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	days := request.GetInt("days", 7)
	if days <= 0 {
		days = 7
	}
	events, err := s.core.UpcomingEvents(ctx, id.UserID,
		time.Duration(days)*24*time.Hour, request.GetInt("limit", 0))
	if err != nil {
		return fail(err), nil
	}
	return ok(events, fmt.Sprintf("%d upcoming events", len(events))), nil
}

func (s *Server) handleLogInteraction(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	refs, err := uuidSlice(request.GetStringSlice("entity_refs", nil))
	if err != nil {
		return fail(err), nil
	}
	var occurredAt time.Time
	if raw := request.GetString("occurred_at", ""); raw != "" {
		occurredAt, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return fail(fmt.Errorf("mcp: occurred_at must be RFC 3339: %w", model.ErrInvalidArgument)), nil
		}
	}
	in, err := s.core.LogInteraction(ctx, id.UserID,
		request.GetString("content", ""), request.GetString("direction", ""), refs, occurredAt)
	if err != nil {
		return fail(err), nil
	}
	return ok(in, "interaction logged"), nil
}
