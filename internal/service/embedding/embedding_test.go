package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemos-ai/mnemos/internal/model"
	"github.com/mnemos-ai/mnemos/internal/testutil"
)

// fakeProvider records batch sizes and returns unit vectors.
type fakeProvider struct {
	dims       int
	modelName  string
	tokens     int
	err        error
	batchSizes []int
}

func (p *fakeProvider) Dimensions() int { return p.dims }
func (p *fakeProvider) Model() string   { return p.modelName }

func (p *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, int, error) {
	p.batchSizes = append(p.batchSizes, len(texts))
	if p.err != nil {
		return nil, 0, p.err
	}
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		v := make([]float32, p.dims)
		v[0] = 1
		vecs[i] = pgvector.NewVector(v)
	}
	return vecs, p.tokens, nil
}

type recordedUsage struct {
	mu   sync.Mutex
	recs []model.UsageRecord
}

func (r *recordedUsage) RecordUsage(_ context.Context, rec model.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func TestEmbedTextsSplitsBatches(t *testing.T) {
	p := &fakeProvider{dims: 3, modelName: "text-embedding-3-small", tokens: 10}
	g := NewGateway(p, nil, 0, testutil.TestLogger())

	texts := make([]string, maxBatch+5)
	for i := range texts {
		texts[i] = fmt.Sprintf("text %d", i)
	}

	res, err := g.EmbedTexts(context.Background(), uuid.New(), texts)
	require.NoError(t, err)
	assert.Len(t, res.Vectors, maxBatch+5)
	assert.Equal(t, []int{maxBatch, 5}, p.batchSizes)
	assert.Equal(t, 20, res.Tokens, "token counts sum across batches")
}

func TestEmbedTextsRecordsUsage(t *testing.T) {
	p := &fakeProvider{dims: 3, modelName: "text-embedding-3-small", tokens: 1000}
	usage := &recordedUsage{}
	g := NewGateway(p, usage, 0, testutil.TestLogger())
	userID := uuid.New()

	res, err := g.EmbedTexts(context.Background(), userID, []string{"a", "b"})
	require.NoError(t, err)
	assert.InDelta(t, 1000.0/1e6*0.02, res.Cost, 1e-12)

	require.Len(t, usage.recs, 1)
	rec := usage.recs[0]
	assert.Equal(t, userID, rec.UserID)
	assert.Equal(t, "embedder", rec.Provider)
	assert.Equal(t, "embed", rec.Operation)
	assert.Equal(t, 1000, rec.Tokens)
	assert.InDelta(t, res.Cost, rec.Cost, 1e-12)
}

func TestEmbedTextsValidation(t *testing.T) {
	g := NewGateway(&fakeProvider{dims: 3}, nil, 0, testutil.TestLogger())

	_, err := g.EmbedTexts(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestEmbedTextsClassifiesProviderErrors(t *testing.T) {
	rateLimited := &fakeProvider{dims: 3, err: &model.RetryableError{
		Err:        fmt.Errorf("slow down: %w", model.ErrRateLimited),
		RetryAfter: 5 * time.Second,
	}}
	g := NewGateway(rateLimited, nil, 0, testutil.TestLogger())
	_, err := g.EmbedTexts(context.Background(), uuid.New(), []string{"x"})
	assert.ErrorIs(t, err, model.ErrRateLimited)
	var re *model.RetryableError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 5*time.Second, re.RetryAfter)

	down := &fakeProvider{dims: 3, err: errors.New("connection refused")}
	g = NewGateway(down, nil, 0, testutil.TestLogger())
	_, err = g.EmbedTexts(context.Background(), uuid.New(), []string{"x"})
	assert.ErrorIs(t, err, model.ErrDependencyDown)
	assert.True(t, model.Retryable(err))
}

// shortProvider returns fewer vectors than requested.
type shortProvider struct{ fakeProvider }

func (p *shortProvider) EmbedBatch(context.Context, []string) ([]pgvector.Vector, int, error) {
	return []pgvector.Vector{pgvector.NewVector(make([]float32, 3))}, 0, nil
}

func TestEmbedTextsRejectsShortResponse(t *testing.T) {
	g := NewGateway(&shortProvider{fakeProvider{dims: 3}}, nil, 0, testutil.TestLogger())

	_, err := g.EmbedTexts(context.Background(), uuid.New(), []string{"a", "b"})
	assert.ErrorIs(t, err, model.ErrInvariantViolated)
}

// narrowProvider claims 4 dims but emits 3-wide vectors.
type narrowProvider struct{ fakeProvider }

func (p *narrowProvider) Dimensions() int { return 4 }

func TestEmbedTextsRejectsWrongDimension(t *testing.T) {
	g := NewGateway(&narrowProvider{fakeProvider{dims: 3}}, nil, 0, testutil.TestLogger())

	_, err := g.EmbedTexts(context.Background(), uuid.New(), []string{"a"})
	assert.ErrorIs(t, err, model.ErrInvariantViolated)
}

func TestGatewayPacing(t *testing.T) {
	p := &fakeProvider{dims: 3}
	g := NewGateway(p, nil, 60, testutil.TestLogger()) // 1 req/s, burst 60

	// A full bucket admits burst-many calls without blocking.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		_, err := g.EmbedTexts(ctx, uuid.New(), []string{"x"})
		require.NoError(t, err)
	}
}

func TestGatewayPacingHonorsCancellation(t *testing.T) {
	p := &fakeProvider{dims: 3}
	g := NewGateway(p, nil, 1, testutil.TestLogger()) // 1 req/min, burst 1

	_, err := g.EmbedTexts(context.Background(), uuid.New(), []string{"x"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.EmbedTexts(ctx, uuid.New(), []string{"y"})
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(4)
	vecs, tokens, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Zero(t, tokens)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0, 0, 0, 0}, vecs[0].Slice())
}

func TestOpenAIProviderHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"one", "two"}, req.Input)

		// Out-of-order data entries must land at their declared index.
		_, _ = w.Write([]byte(`{
			"data": [
				{"embedding": [0, 1], "index": 1},
				{"embedding": [1, 0], "index": 0}
			],
			"usage": {"prompt_tokens": 7, "total_tokens": 7}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "test-key", "text-embedding-3-small", 2)
	vecs, tokens, err := p.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	assert.Equal(t, 7, tokens)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0}, vecs[0].Slice())
	assert.Equal(t, []float32{0, 1}, vecs[1].Slice())
}

func TestOpenAIProviderRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "k", "m", 2)
	_, _, err := p.EmbedBatch(context.Background(), []string{"x"})
	var re *model.RetryableError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 30*time.Second, re.RetryAfter)
	assert.ErrorIs(t, err, model.ErrRateLimited)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)

	assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{1}), "mismatched lengths")
	assert.Zero(t, CosineSimilarity(nil, nil), "empty")
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}), "zero vector")
}
