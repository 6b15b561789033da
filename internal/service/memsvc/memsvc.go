// Package memsvc is the user-facing memory core: validation, orchestration
// of store, search, embedder, and write buffer, and the response envelope
// shared by every operation. All operations are parameterized by the
// authenticated user id.
package memsvc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mnemos-ai/mnemos/internal/contacts"
	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/search"
	"github.com/mnemos-ai/mnemos/internal/service/embedding"
	"github.com/mnemos-ai/mnemos/internal/service/writebuf"
	"github.com/mnemos-ai/mnemos/internal/storage"
)

// Envelope is the common response shape: status is "success" or "error",
// data carries the payload, message carries human-readable context.
type Envelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// OK wraps a successful payload.
func OK(data any, message string) Envelope {
	return Envelope{Status: "success", Data: data, Message: message}
}

// Fail wraps an error with its canonical reason.
func Fail(err error) Envelope {
	return Envelope{Status: "error", Error: model.Reason(err), Message: err.Error()}
}

// VectorIndex is the optional ANN mirror consulted for health and kept in
// step on deletes. Satisfied by *search.QdrantIndex.
type VectorIndex interface {
	Delete(ctx context.Context, memoryID uuid.UUID) error
	Healthy(ctx context.Context) error
}

// Service is the memory core facade.
type Service struct {
	db       *storage.DB
	engine   *search.Engine
	embedder *embedding.Gateway
	buffer   *writebuf.Service
	syncer   *contacts.Engine
	index    VectorIndex // nil when no ANN index is configured
	logger   *slog.Logger
}

// New wires the facade. syncer and index may be nil when the deployment
// does not use them.
func New(db *storage.DB, engine *search.Engine, embedder *embedding.Gateway, buffer *writebuf.Service, syncer *contacts.Engine, index VectorIndex, logger *slog.Logger) *Service {
	return &Service{
		db:       db,
		engine:   engine,
		embedder: embedder,
		buffer:   buffer,
		syncer:   syncer,
		index:    index,
		logger:   logger,
	}
}

// requireUser rejects operations without a known tenant.
func (s *Service) requireUser(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	if _, err := s.db.GetUser(ctx, userID); err != nil {
		return fmt.Errorf("memsvc: unknown user %s: %w", userID, model.ErrUnauthenticated)
	}
	return nil
}

// AddMemoryInput is the add_memory argument set. Nil optionals take the
// documented defaults: importance 0.5, generate_embedding true.
type AddMemoryInput struct {
	Title             string
	Content           string
	Type              model.MemoryType
	Importance        *float32
	Tags              []string
	EntityRefs        []uuid.UUID
	Metadata          map[string]any
	GenerateEmbedding *bool
	UseBuffer         bool
}

// AddMemoryResult is returned by AddMemory. Buffered carries the queue
// receipt semantics: the write is durable but not yet applied.
type AddMemoryResult struct {
	ID       uuid.UUID     `json:"id"`
	Buffered bool          `json:"buffered,omitempty"`
	Memory   *model.Memory `json:"memory,omitempty"`
	Warning  string        `json:"warning,omitempty"`
}

// AddMemory validates and stores a new memory, synchronously or through the
// write buffer. The id is assigned before any write and is never nil.
func (s *Service) AddMemory(ctx context.Context, userID uuid.UUID, in AddMemoryInput) (AddMemoryResult, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return AddMemoryResult{}, err
	}
	if in.Content == "" {
		return AddMemoryResult{}, fmt.Errorf("memsvc: content is required: %w", model.ErrInvalidArgument)
	}
	if in.Type == "" {
		in.Type = model.MemoryGeneric
	}
	if !model.ValidMemoryType(in.Type) {
		return AddMemoryResult{}, fmt.Errorf("memsvc: unknown memory type %q: %w", in.Type, model.ErrInvalidArgument)
	}
	importance := float32(0.5)
	if in.Importance != nil {
		importance = *in.Importance
	}
	if err := model.ValidateImportance(importance); err != nil {
		return AddMemoryResult{}, err
	}
	generate := true
	if in.GenerateEmbedding != nil {
		generate = *in.GenerateEmbedding
	}

	m := model.Memory{
		ID:         uuid.New(),
		UserID:     userID,
		Title:      in.Title,
		Content:    in.Content,
		Type:       in.Type,
		Importance: importance,
		Tags:       in.Tags,
		EntityRefs: in.EntityRefs,
		Metadata:   in.Metadata,
	}

	if in.UseBuffer {
		receipt, err := s.buffer.BufferCreate(ctx, m, generate)
		if err != nil {
			return AddMemoryResult{}, err
		}
		return AddMemoryResult{ID: receipt.MemoryID, Buffered: true}, nil
	}

	if err := s.buffer.CheckQuota(ctx, userID); err != nil {
		return AddMemoryResult{}, err
	}
	created, err := s.db.CreateMemory(ctx, m)
	if err != nil {
		return AddMemoryResult{}, err
	}
	res := AddMemoryResult{ID: created.ID, Memory: &created}
	if generate {
		if warn := s.embedNow(ctx, &created); warn != "" {
			res.Warning = warn
		}
		res.Memory = &created
	}
	return res, nil
}

// embedNow embeds one memory synchronously. A failure leaves the memory
// stored without a vector; the backfill sweep picks it up later.
func (s *Service) embedNow(ctx context.Context, m *model.Memory) (warning string) {
	text := m.Content
	if m.Title != "" {
		text = m.Title + "\n" + m.Content
	}
	vec, err := s.embedder.EmbedText(ctx, m.UserID, text)
	if err != nil {
		s.logger.Warn("memsvc: embedding deferred", "memory_id", m.ID, "error", err)
		return fmt.Sprintf("stored without embedding (%s); backfill will retry", model.Reason(err))
	}
	if err := s.db.SetEmbedding(ctx, m.ID, m.UserID, vec); err != nil {
		s.logger.Warn("memsvc: persist embedding", "memory_id", m.ID, "error", err)
		return "stored without embedding; backfill will retry"
	}
	m.Embedding = &vec
	return ""
}

// GetMemory looks up one memory, enforcing ownership.
func (s *Service) GetMemory(ctx context.Context, userID, id uuid.UUID) (model.Memory, error) {
	if userID == uuid.Nil {
		return model.Memory{}, fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	return s.db.GetMemory(ctx, id, userID)
}

// UpdateMemoryInput carries update_memory arguments.
type UpdateMemoryInput struct {
	Patch     model.MemoryPatch
	UseBuffer bool
}

// UpdateMemory applies a partial update. A change to title or content
// schedules re-embedding, synchronously here or via the buffer.
func (s *Service) UpdateMemory(ctx context.Context, userID, id uuid.UUID, in UpdateMemoryInput) (AddMemoryResult, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return AddMemoryResult{}, err
	}
	if in.Patch.Importance != nil {
		if err := model.ValidateImportance(*in.Patch.Importance); err != nil {
			return AddMemoryResult{}, err
		}
	}
	if in.Patch.Type != nil && !model.ValidMemoryType(*in.Patch.Type) {
		return AddMemoryResult{}, fmt.Errorf("memsvc: unknown memory type %q: %w", *in.Patch.Type, model.ErrInvalidArgument)
	}

	if in.UseBuffer {
		receipt, err := s.buffer.BufferUpdate(ctx, userID, id, in.Patch, in.Patch.TouchesText())
		if err != nil {
			return AddMemoryResult{}, err
		}
		return AddMemoryResult{ID: receipt.MemoryID, Buffered: true}, nil
	}

	updated, err := s.db.UpdateMemory(ctx, id, userID, in.Patch)
	if err != nil {
		return AddMemoryResult{}, err
	}
	res := AddMemoryResult{ID: updated.ID, Memory: &updated}
	if in.Patch.TouchesText() {
		if warn := s.embedNow(ctx, &updated); warn != "" {
			res.Warning = warn
		}
		res.Memory = &updated
	}
	return res, nil
}

// DeleteMemory removes a memory and its mirrored vector.
func (s *Service) DeleteMemory(ctx context.Context, userID, id uuid.UUID) error {
	if userID == uuid.Nil {
		return fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	if err := s.db.DeleteMemory(ctx, id, userID); err != nil {
		return err
	}
	if s.index != nil {
		if err := s.index.Delete(ctx, id); err != nil {
			s.logger.Warn("memsvc: index delete failed", "memory_id", id, "error", err)
		}
	}
	return nil
}

// SearchMemories delegates to the hybrid engine.
func (s *Service) SearchMemories(ctx context.Context, userID uuid.UUID, req model.SearchRequest) (model.SearchResponse, error) {
	if userID == uuid.Nil {
		return model.SearchResponse{}, fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	return s.engine.Search(ctx, userID, req)
}

// ListMemories exposes filtered listing, mainly for local integrations.
func (s *Service) ListMemories(ctx context.Context, userID uuid.UUID, f model.MemoryFilter) ([]model.Memory, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	return s.db.ListMemories(ctx, userID, f)
}

// LogInteraction records one exchange involving the given entities.
func (s *Service) LogInteraction(ctx context.Context, userID uuid.UUID, content, direction string, entityRefs []uuid.UUID, occurredAt time.Time) (model.Interaction, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return model.Interaction{}, err
	}
	if content == "" {
		return model.Interaction{}, fmt.Errorf("memsvc: interaction content is required: %w", model.ErrInvalidArgument)
	}
	switch direction {
	case "", "none":
		direction = "none"
	case "incoming", "outgoing":
	default:
		return model.Interaction{}, fmt.Errorf("memsvc: direction must be incoming, outgoing, or none: %w", model.ErrInvalidArgument)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return s.db.CreateInteraction(ctx, model.Interaction{
		UserID:     userID,
		EntityRefs: entityRefs,
		Content:    content,
		Direction:  direction,
		OccurredAt: occurredAt,
	})
}

// ListInteractions returns recent interactions, optionally scoped to one
// entity.
func (s *Service) ListInteractions(ctx context.Context, userID uuid.UUID, entityID *uuid.UUID, limit int) ([]model.Interaction, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("memsvc: user_id required: %w", model.ErrUnauthenticated)
	}
	return s.db.ListInteractions(ctx, userID, entityID, limit)
}

// SyncContacts runs one contact sync against the given provider.
func (s *Service) SyncContacts(ctx context.Context, userID uuid.UUID, provider contacts.Provider, opts contacts.Options) (contacts.Summary, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return contacts.Summary{}, err
	}
	if s.syncer == nil {
		return contacts.Summary{}, fmt.Errorf("memsvc: contact sync is not configured: %w", model.ErrInvalidArgument)
	}
	return s.syncer.Sync(ctx, userID, provider, opts)
}
