// Package embedding provides vector embedding generation for semantic search.
//
// Provider is the raw model contract; Gateway wraps a Provider with batching,
// token accounting, cost recording, and rate limiting, and is what the rest
// of the service consumes.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/mnemos-ai/mnemos/internal/model"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// EmbedBatch generates embeddings for multiple texts in input order and
	// reports the token count consumed.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, int, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// Model returns the provider's model identifier, used for pricing.
	Model() string
}

// Classified provider failures. Both are retryable; quota failures carry a
// retry-after hint via model.RetryableError.
var (
	ErrUnavailable   = fmt.Errorf("embedding: provider unavailable: %w", model.ErrDependencyDown)
	ErrQuotaExceeded = fmt.Errorf("embedding: quota exceeded: %w", model.ErrRateLimited)
)

// maxBatch is the batching bound: EmbedTexts splits larger inputs into
// sequential provider calls of at most this many texts.
const maxBatch = 64

// priceTable maps model name to USD per 1M tokens. Cost is computed locally
// from the provider's reported token count.
var priceTable = map[string]float64{
	"text-embedding-3-small": 0.02,
	"text-embedding-3-large": 0.13,
	"text-embedding-ada-002": 0.10,
}

// UsageRecorder persists provider usage records. Satisfied by *storage.DB.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec model.UsageRecord) error
}

// EmbedResult is the outcome of one gateway call.
type EmbedResult struct {
	Vectors []pgvector.Vector
	Tokens  int
	Cost    float64
}

// Gateway wraps a Provider with batching, usage attribution, and a shared
// token bucket. One Gateway is shared by all callers; the bucket paces
// aggregate traffic to the provider.
type Gateway struct {
	provider Provider
	usage    UsageRecorder
	logger   *slog.Logger

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	rate       float64 // requests per second
	burst      float64
}

// NewGateway wraps provider. rpm bounds provider calls per minute across all
// tenants; rpm <= 0 disables pacing.
func NewGateway(provider Provider, usage UsageRecorder, rpm int, logger *slog.Logger) *Gateway {
	g := &Gateway{
		provider: provider,
		usage:    usage,
		logger:   logger,
	}
	if rpm > 0 {
		g.rate = float64(rpm) / 60.0
		g.burst = float64(rpm)
		g.tokens = g.burst
		g.lastRefill = time.Now()
	}
	return g
}

// Dimensions returns the wrapped provider's vector size.
func (g *Gateway) Dimensions() int {
	return g.provider.Dimensions()
}

// EmbedTexts embeds 1..n texts on behalf of userID, splitting into provider
// batches of at most maxBatch. Every successful call writes a usage record
// attributed to the user. Output vector count always equals input count.
func (g *Gateway) EmbedTexts(ctx context.Context, userID uuid.UUID, texts []string) (EmbedResult, error) {
	if len(texts) == 0 {
		return EmbedResult{}, fmt.Errorf("embedding: no texts: %w", model.ErrInvalidArgument)
	}

	var res EmbedResult
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))

		if err := g.take(ctx); err != nil {
			return EmbedResult{}, err
		}

		vecs, tokens, err := g.provider.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return EmbedResult{}, classify(err)
		}
		if len(vecs) != end-start {
			return EmbedResult{}, fmt.Errorf("embedding: provider returned %d vectors for %d texts: %w",
				len(vecs), end-start, model.ErrInvariantViolated)
		}
		for _, v := range vecs {
			if len(v.Slice()) != g.provider.Dimensions() {
				return EmbedResult{}, fmt.Errorf("embedding: vector dimension %d != %d: %w",
					len(v.Slice()), g.provider.Dimensions(), model.ErrInvariantViolated)
			}
		}
		res.Vectors = append(res.Vectors, vecs...)
		res.Tokens += tokens
	}

	res.Cost = cost(g.provider.Model(), res.Tokens)

	if g.usage != nil {
		rec := model.UsageRecord{
			UserID:    userID,
			Provider:  "embedder",
			Operation: "embed",
			Tokens:    res.Tokens,
			Cost:      res.Cost,
		}
		if err := g.usage.RecordUsage(ctx, rec); err != nil {
			// Usage accounting must not fail the embed; the vectors are good.
			g.logger.Warn("embedding: record usage failed", "user_id", userID, "error", err)
		}
	}

	return res, nil
}

// EmbedText is the single-text convenience wrapper.
func (g *Gateway) EmbedText(ctx context.Context, userID uuid.UUID, text string) (pgvector.Vector, error) {
	res, err := g.EmbedTexts(ctx, userID, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return res.Vectors[0], nil
}

// take consumes one token from the shared bucket, waiting for a refill when
// empty. Respects ctx cancellation.
func (g *Gateway) take(ctx context.Context) error {
	if g.rate == 0 {
		return nil
	}
	for {
		g.mu.Lock()
		now := time.Now()
		g.tokens += now.Sub(g.lastRefill).Seconds() * g.rate
		if g.tokens > g.burst {
			g.tokens = g.burst
		}
		g.lastRefill = now
		if g.tokens >= 1 {
			g.tokens--
			g.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - g.tokens) / g.rate * float64(time.Second))
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("embedding: rate wait: %w", model.ErrTimeout)
		case <-time.After(wait):
		}
	}
}

func classify(err error) error {
	var re *model.RetryableError
	if errors.As(err, &re) {
		return &model.RetryableError{Err: ErrQuotaExceeded, RetryAfter: re.RetryAfter}
	}
	if errors.Is(err, model.ErrRateLimited) {
		return ErrQuotaExceeded
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("embedding: %v: %w", err, model.ErrTimeout)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func cost(modelName string, tokens int) float64 {
	perMillion, ok := priceTable[modelName]
	if !ok {
		return 0
	}
	return float64(tokens) / 1e6 * perMillion
}

// CosineSimilarity computes a·b/(|a||b|). Returns 0 for mismatched or zero
// vectors. Pure helper exposed for the search engine.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
