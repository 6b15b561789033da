// Package writebuf implements the durable write buffer and its background
// worker: buffered memory writes are persisted to a queue table before the
// caller gets a receipt, then flushed asynchronously with retries and
// per-dependency circuit breakers. The worker also backfills missing
// embeddings.
package writebuf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/sony/gobreaker"

	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/service/embedding"
	"github.com/mnemos-ai/mnemos/internal/storage"
)

// Config tunes retry pacing and per-user quotas.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// MemoriesPerUser / EntitiesPerUser of zero mean unlimited.
	MemoriesPerUser int
	EntitiesPerUser int
	// BackfillBatch bounds one embedding backfill scan.
	BackfillBatch int
}

func (c *Config) fillDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.BackfillBatch <= 0 {
		c.BackfillBatch = 50
	}
}

// VectorIndex mirrors freshly embedded vectors into an ANN index.
// Nil when no index is configured.
type VectorIndex interface {
	Upsert(ctx context.Context, userID, memoryID uuid.UUID, vector []float32) error
}

// Service accepts buffered writes and runs the flush and backfill loops.
type Service struct {
	db       *storage.DB
	embedder *embedding.Gateway
	index    VectorIndex
	cfg      Config
	logger   *slog.Logger

	storeBreaker *gobreaker.CircuitBreaker
	embedBreaker *gobreaker.CircuitBreaker

	failures chan model.WriteFailure
}

// New creates the buffer service. Call Run and RunBackfill to start the loops.
func New(db *storage.DB, embedder *embedding.Gateway, index VectorIndex, cfg Config, logger *slog.Logger) *Service {
	cfg.fillDefaults()
	s := &Service{
		db:       db,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		logger:   logger,
		failures: make(chan model.WriteFailure, 128),
	}
	s.storeBreaker = newBreaker("store", logger)
	s.embedBreaker = newBreaker("embedder", logger)
	return s
}

// newBreaker builds a three-state breaker: open after 5 consecutive failures
// within the rolling interval, one probe admitted after the open timeout.
func newBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Failures exposes the failure channel. Writes that exhaust their attempts
// and unprocessable scan rows are delivered here; the channel is never
// closed while the service lives.
func (s *Service) Failures() <-chan model.WriteFailure {
	return s.failures
}

func (s *Service) reportFailure(f model.WriteFailure) {
	select {
	case s.failures <- f:
	default:
		// A stalled consumer must not block the worker; the failure is
		// still visible in the queue table and the log.
		s.logger.Error("write failure channel full, failure logged only",
			"write_id", f.WriteID, "user_id", f.UserID, "reason", f.Reason)
	}
}

// writePayload is the durable JSON shape of a buffered memory write.
type writePayload struct {
	Title             *string           `json:"title,omitempty"`
	Content           *string           `json:"content,omitempty"`
	Type              *model.MemoryType `json:"type,omitempty"`
	Importance        *float32          `json:"importance,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	EntityRefs        []uuid.UUID       `json:"entity_refs,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	IsArchived        *bool             `json:"is_archived,omitempty"`
	GenerateEmbedding bool              `json:"generate_embedding"`
}

func encodePayload(p writePayload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("writebuf: encode payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("writebuf: encode payload: %w", err)
	}
	return out, nil
}

func decodePayload(m map[string]any) (writePayload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return writePayload{}, fmt.Errorf("writebuf: decode payload: %w", err)
	}
	var p writePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return writePayload{}, fmt.Errorf("writebuf: decode payload: %w", err)
	}
	return p, nil
}

// BufferCreate durably enqueues a memory create. The memory id is assigned
// here, before anything is written, so the receipt can carry it and no
// queued payload ever lacks an id.
func (s *Service) BufferCreate(ctx context.Context, m model.Memory, generateEmbedding bool) (model.BufferedWrite, error) {
	if err := s.checkQuota(ctx, m.UserID); err != nil {
		return model.BufferedWrite{}, err
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	payload, err := encodePayload(writePayload{
		Title:             &m.Title,
		Content:           &m.Content,
		Type:              &m.Type,
		Importance:        &m.Importance,
		Tags:              m.Tags,
		EntityRefs:        m.EntityRefs,
		Metadata:          m.Metadata,
		GenerateEmbedding: generateEmbedding,
	})
	if err != nil {
		return model.BufferedWrite{}, err
	}
	return s.db.EnqueueWrite(ctx, model.BufferedWrite{
		UserID:   m.UserID,
		MemoryID: m.ID,
		Kind:     model.WriteCreateMemory,
		Payload:  payload,
	})
}

// BufferUpdate durably enqueues a partial memory update.
func (s *Service) BufferUpdate(ctx context.Context, userID, memoryID uuid.UUID, patch model.MemoryPatch, generateEmbedding bool) (model.BufferedWrite, error) {
	payload, err := encodePayload(writePayload{
		Title:             patch.Title,
		Content:           patch.Content,
		Type:              patch.Type,
		Importance:        patch.Importance,
		Tags:              patch.Tags,
		EntityRefs:        patch.EntityRefs,
		Metadata:          patch.Metadata,
		IsArchived:        patch.IsArchived,
		GenerateEmbedding: generateEmbedding,
	})
	if err != nil {
		return model.BufferedWrite{}, err
	}
	return s.db.EnqueueWrite(ctx, model.BufferedWrite{
		UserID:   userID,
		MemoryID: memoryID,
		Kind:     model.WriteUpdateMemory,
		Payload:  payload,
	})
}

// CheckQuota verifies the per-user record caps before a direct (unbuffered)
// create as well; exported for the memory core.
func (s *Service) CheckQuota(ctx context.Context, userID uuid.UUID) error {
	return s.checkQuota(ctx, userID)
}

func (s *Service) checkQuota(ctx context.Context, userID uuid.UUID) error {
	if s.cfg.MemoriesPerUser > 0 {
		n, err := s.db.CountMemories(ctx, userID)
		if err != nil {
			return err
		}
		if n >= s.cfg.MemoriesPerUser {
			return fmt.Errorf("writebuf: memory cap %d reached: %w", s.cfg.MemoriesPerUser, model.ErrQuotaExceeded)
		}
	}
	if s.cfg.EntitiesPerUser > 0 {
		n, err := s.db.CountEntities(ctx, userID)
		if err != nil {
			return err
		}
		if n >= s.cfg.EntitiesPerUser {
			return fmt.Errorf("writebuf: entity cap %d reached: %w", s.cfg.EntitiesPerUser, model.ErrQuotaExceeded)
		}
	}
	return nil
}

// Run is the flush loop: claim the oldest due pending write, apply it, and
// either complete, reschedule with backoff, or park it as failed. Exits when
// ctx is cancelled. The loop sleeps while the store breaker is open; buffered
// writes stay queued, so callers are unaffected.
func (s *Service) Run(ctx context.Context) {
	if n, err := s.db.RecoverInFlight(ctx); err != nil {
		s.logger.Warn("writebuf: recover in-flight writes", "error", err)
	} else if n > 0 {
		s.logger.Info("writebuf: recovered stranded writes", "count", n)
	}

	idle := 500 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := s.claim(ctx)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("writebuf: claim failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
			continue
		}

		s.process(ctx, claimed)
	}
}

func (s *Service) claim(ctx context.Context) (model.BufferedWrite, error) {
	res, err := s.storeBreaker.Execute(func() (any, error) {
		w, err := s.db.ClaimDueWrite(ctx, time.Now().UTC())
		if errors.Is(err, storage.ErrNotFound) {
			// An empty queue is not a dependency failure.
			return model.BufferedWrite{}, nil
		}
		return w, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return model.BufferedWrite{}, fmt.Errorf("writebuf: store breaker open: %w", model.ErrDependencyDown)
		}
		return model.BufferedWrite{}, err
	}
	w := res.(model.BufferedWrite)
	if w.ID == uuid.Nil {
		return model.BufferedWrite{}, storage.ErrNotFound
	}
	return w, nil
}

// process applies one claimed write and settles its queue row.
func (s *Service) process(ctx context.Context, w model.BufferedWrite) {
	err := s.apply(ctx, w)
	switch {
	case err == nil:
		if cerr := s.db.CompleteWrite(ctx, w.ID); cerr != nil {
			s.logger.Warn("writebuf: complete failed, write will re-apply idempotently", "write_id", w.ID, "error", cerr)
		}
	case !model.Retryable(err):
		// Validation and ownership failures will never succeed; park now.
		s.fail(ctx, w, err)
	case w.Attempts+1 >= s.cfg.MaxAttempts:
		s.fail(ctx, w, err)
	default:
		next := time.Now().UTC().Add(s.backoff(w.Attempts + 1))
		if rerr := s.db.RescheduleWrite(ctx, w.ID, next, err.Error()); rerr != nil {
			s.logger.Error("writebuf: reschedule failed", "write_id", w.ID, "error", rerr)
		}
		s.logger.Debug("writebuf: write rescheduled", "write_id", w.ID, "attempts", w.Attempts+1, "next", next)
	}
}

func (s *Service) fail(ctx context.Context, w model.BufferedWrite, cause error) {
	if err := s.db.FailWrite(ctx, w.ID, cause.Error()); err != nil {
		s.logger.Error("writebuf: park failed write", "write_id", w.ID, "error", err)
	}
	s.logger.Error("writebuf: write failed permanently",
		"write_id", w.ID, "user_id", w.UserID, "memory_id", w.MemoryID, "error", cause)
	s.reportFailure(model.WriteFailure{
		WriteID:  w.ID,
		UserID:   w.UserID,
		MemoryID: w.MemoryID,
		Reason:   cause.Error(),
	})
}

// backoff returns the exponential delay for the given attempt count,
// capped at BackoffCap.
func (s *Service) backoff(attempts int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.BackoffCap {
			return s.cfg.BackoffCap
		}
	}
	return min(d, s.cfg.BackoffCap)
}

// apply executes the buffered write against the store and, when requested,
// generates the embedding. Creates are idempotent: an id collision means a
// previous attempt already applied, which satisfies at-most-once effects.
func (s *Service) apply(ctx context.Context, w model.BufferedWrite) error {
	p, err := decodePayload(w.Payload)
	if err != nil {
		return err
	}

	switch w.Kind {
	case model.WriteCreateMemory:
		m := model.Memory{
			ID:     w.MemoryID,
			UserID: w.UserID,
		}
		if p.Title != nil {
			m.Title = *p.Title
		}
		if p.Content != nil {
			m.Content = *p.Content
		}
		if p.Type != nil {
			m.Type = *p.Type
		}
		if p.Importance != nil {
			m.Importance = *p.Importance
		}
		m.Tags = p.Tags
		m.EntityRefs = p.EntityRefs
		m.Metadata = p.Metadata

		_, err := s.storeBreaker.Execute(func() (any, error) {
			created, err := s.db.CreateMemory(ctx, m)
			if errors.Is(err, storage.ErrIDCollision) {
				// Already applied by an earlier attempt.
				return created, nil
			}
			return created, err
		})
		if err != nil {
			return breakerErr(err)
		}
		if p.GenerateEmbedding {
			return s.embedMemory(ctx, w.UserID, w.MemoryID, m.Title, m.Content)
		}
		return nil

	case model.WriteUpdateMemory:
		patch := model.MemoryPatch{
			Title:      p.Title,
			Content:    p.Content,
			Type:       p.Type,
			Importance: p.Importance,
			Tags:       p.Tags,
			EntityRefs: p.EntityRefs,
			Metadata:   p.Metadata,
			IsArchived: p.IsArchived,
		}
		res, err := s.storeBreaker.Execute(func() (any, error) {
			return s.db.UpdateMemory(ctx, w.MemoryID, w.UserID, patch)
		})
		if err != nil {
			return breakerErr(err)
		}
		if p.GenerateEmbedding && patch.TouchesText() {
			m := res.(model.Memory)
			return s.embedMemory(ctx, w.UserID, w.MemoryID, m.Title, m.Content)
		}
		return nil

	default:
		return fmt.Errorf("writebuf: unknown write kind %q: %w", w.Kind, model.ErrInvalidArgument)
	}
}

// embedInput is the text sent to the embedder for one memory: title and
// content joined, matching what the search side embeds against.
func embedInput(title, content string) string {
	if title == "" {
		return content
	}
	return title + "\n" + content
}

// embedMemory generates and stores the vector for one memory, mirroring it
// into the ANN index when one is configured.
func (s *Service) embedMemory(ctx context.Context, userID, memoryID uuid.UUID, title, content string) error {
	res, err := s.embedBreaker.Execute(func() (any, error) {
		return s.embedder.EmbedText(ctx, userID, embedInput(title, content))
	})
	if err != nil {
		return breakerErr(err)
	}
	vec := res.(pgvector.Vector)

	_, err = s.storeBreaker.Execute(func() (any, error) {
		return nil, s.db.SetEmbedding(ctx, memoryID, userID, vec)
	})
	if err != nil {
		return breakerErr(err)
	}

	if s.index != nil {
		if err := s.index.Upsert(ctx, userID, memoryID, vec.Slice()); err != nil {
			// The index is an accelerator; Postgres holds the truth.
			s.logger.Warn("writebuf: index upsert failed", "memory_id", memoryID, "error", err)
		}
	}
	return nil
}

// breakerErr normalizes gobreaker rejections into retryable dependency errors.
func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("writebuf: dependency breaker open: %w", model.ErrDependencyDown)
	}
	return err
}
