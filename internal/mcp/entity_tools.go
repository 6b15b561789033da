package mcp

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/service/memsvc"
)

func (s *Server) registerEntityTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("create_entity",
			mcplib.WithDescription("Create an entity: a person, organization, project, concept, location, or event"),
			mcplib.WithString("name", mcplib.Description("Display name"), mcplib.Required()),
			mcplib.WithString("entity_type", mcplib.Description("Entity type, default person")),
			mcplib.WithString("first_name", mcplib.Description("Given name (persons)")),
			mcplib.WithString("last_name", mcplib.Description("Family name (persons)")),
			mcplib.WithString("company", mcplib.Description("Organization or employer")),
			mcplib.WithString("title", mcplib.Description("Role or job title")),
			mcplib.WithString("email", mcplib.Description("Primary email")),
			mcplib.WithString("phone", mcplib.Description("Primary phone")),
			mcplib.WithString("address", mcplib.Description("Postal address")),
			mcplib.WithString("website", mcplib.Description("Website URL")),
			mcplib.WithString("notes", mcplib.Description("Free-form notes")),
			mcplib.WithArray("tags", mcplib.Description("Tags")),
			mcplib.WithNumber("importance", mcplib.Description("Importance 0.0-1.0, default 0.5")),
			mcplib.WithObject("metadata", mcplib.Description("Free-form metadata object")),
		),
		s.handleCreateEntity,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_entity",
			mcplib.WithDescription("Fetch one entity by id"),
			mcplib.WithString("id", mcplib.Description("Entity id"), mcplib.Required()),
		),
		s.handleGetEntity,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("update_entity",
			mcplib.WithDescription("Partially update an entity"),
			mcplib.WithString("id", mcplib.Description("Entity id"), mcplib.Required()),
			mcplib.WithString("name", mcplib.Description("New display name")),
			mcplib.WithString("first_name", mcplib.Description("New given name")),
			mcplib.WithString("last_name", mcplib.Description("New family name")),
			mcplib.WithString("company", mcplib.Description("New organization")),
			mcplib.WithString("title", mcplib.Description("New role or job title")),
			mcplib.WithString("email", mcplib.Description("New email")),
			mcplib.WithString("phone", mcplib.Description("New phone")),
			mcplib.WithString("address", mcplib.Description("New postal address")),
			mcplib.WithString("website", mcplib.Description("New website URL")),
			mcplib.WithString("notes", mcplib.Description("New notes")),
			mcplib.WithArray("tags", mcplib.Description("Replacement tag list")),
			mcplib.WithNumber("importance", mcplib.Description("New importance 0.0-1.0")),
			mcplib.WithObject("metadata", mcplib.Description("Replacement metadata object")),
		),
		s.handleUpdateEntity,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("delete_entity",
			mcplib.WithDescription("Delete one entity by id; memory references to it are removed"),
			mcplib.WithString("id", mcplib.Description("Entity id"), mcplib.Required()),
		),
		s.handleDeleteEntity,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("search_entities",
			mcplib.WithDescription("Find entities by name, email, or company substring"),
			mcplib.WithString("query", mcplib.Description("Substring to match")),
			mcplib.WithString("entity_type", mcplib.Description("Restrict to one entity type")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results, default 50")),
		),
		s.handleSearchEntities,
	)
}

func (s *Server) handleCreateEntity(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}

	in := memsvc.CreateEntityInput{
		EntityType: model.EntityType(request.GetString("entity_type", "")),
		Name:       request.GetString("name", ""),
		FirstName:  request.GetString("first_name", ""),
		LastName:   request.GetString("last_name", ""),
		Company:    request.GetString("company", ""),
		Title:      request.GetString("title", ""),
		Email:      request.GetString("email", ""),
		Phone:      request.GetString("phone", ""),
		Address:    request.GetString("address", ""),
		Website:    request.GetString("website", ""),
		Notes:      request.GetString("notes", ""),
		Tags:       request.GetStringSlice("tags", nil),
		Metadata:   objectArg(request, "metadata"),
	}
	if imp, okArg := floatArg(request, "importance"); okArg {
		in.Importance = &imp
	}

	ent, err := s.core.CreateEntity(ctx, id.UserID, in)
	if err != nil {
		return fail(err), nil
	}
	return ok(ent, "entity created"), nil
}

func (s *Server) handleGetEntity(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	entID, err := uuidArg(request, "id")
	if err != nil {
		return fail(err), nil
	}
	ent, err := s.core.GetEntity(ctx, id.UserID, entID)
	if err != nil {
		return fail(err), nil
	}
	return ok(ent, ""), nil
}

func (s *Server) handleUpdateEntity(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	entID, err := uuidArg(request, "id")
	if err != nil {
		return fail(err), nil
	}

	var patch model.EntityPatch
	args := request.GetArguments()
	strField := func(key string, dst **string) {
		if _, has := args[key]; has {
			v := request.GetString(key, "")
			*dst = &v
		}
	}
	strField("name", &patch.Name)
	strField("first_name", &patch.FirstName)
	strField("last_name", &patch.LastName)
	strField("company", &patch.Company)
	strField("title", &patch.Title)
	strField("email", &patch.Email)
	strField("phone", &patch.Phone)
	strField("address", &patch.Address)
	strField("website", &patch.Website)
	strField("notes", &patch.Notes)
	if _, has := args["entity_type"]; has {
		v := model.EntityType(request.GetString("entity_type", ""))
		patch.EntityType = &v
	}
	if _, has := args["tags"]; has {
		patch.Tags = request.GetStringSlice("tags", []string{})
	}
	if imp, okArg := floatArg(request, "importance"); okArg {
		patch.Importance = &imp
	}
	if md := objectArg(request, "metadata"); md != nil {
		patch.Metadata = md
	}

	ent, err := s.core.UpdateEntity(ctx, id.UserID, entID, patch)
	if err != nil {
		return fail(err), nil
	}
	return ok(ent, "entity updated"), nil
}

func (s *Server) handleDeleteEntity(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	entID, err := uuidArg(request, "id")
	if err != nil {
		return fail(err), nil
	}
	if err := s.core.DeleteEntity(ctx, id.UserID, entID); err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"id": entID}, "entity deleted"), nil
}

func (s *Server) handleSearchEntities(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := identity(ctx)
	if err != nil {
		return fail(err), nil
	}
	var entityType *model.EntityType
	if raw := request.GetString("entity_type", ""); raw != "" {
		t := model.EntityType(raw)
		entityType = &t
	}
	ents, err := s.core.SearchEntities(ctx, id.UserID, request.GetString("query", ""), entityType, request.GetInt("limit", 50))
	if err != nil {
		return fail(err), nil
	}
	return ok(map[string]any{"entities": ents, "total": len(ents)}, ""), nil
}
