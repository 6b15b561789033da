package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements Index backed by a Qdrant collection. Vectors are
// mirrored into the collection by the write worker after each successful
// embed; Postgres remains the source of truth and hydrates every hit.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex creates a QdrantIndex and connects via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if absent and ensures the user_id
// payload index exists. CreateFieldIndex is idempotent on Qdrant, so it is
// always attempted.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "user_id",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("search: ensure index on user_id: %w", err)
	}

	return nil
}

// Upsert mirrors one memory vector into the collection.
func (q *QdrantIndex) Upsert(ctx context.Context, userID, memoryID uuid.UUID, vector []float32) error {
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDUUID(memoryID.String()),
				Vectors: qdrant.NewVectorsDense(vector),
				Payload: qdrant.NewValueMap(map[string]any{
					"user_id": userID.String(),
				}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert: %w", err)
	}
	return nil
}

// Delete removes a memory's vector from the collection.
func (q *QdrantIndex) Delete(ctx context.Context, memoryID uuid.UUID) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(memoryID.String())),
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete: %w", err)
	}
	return nil
}

// Search returns memory IDs whose vectors are similar to the query vector,
// scoped to one tenant via the user_id payload filter.
func (q *QdrantIndex) Search(ctx context.Context, userID uuid.UUID, vector []float32, threshold float32, limit int) ([]IndexHit, error) {
	if limit <= 0 {
		limit = 100
	}
	fetchLimit := uint64(limit) //nolint:gosec
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("user_id", userID.String())},
		},
		ScoreThreshold: &threshold,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	hits := make([]IndexHit, 0, len(scored))
	for _, p := range scored {
		id, err := uuid.Parse(p.GetId().GetUuid())
		if err != nil {
			q.logger.Warn("qdrant: non-uuid point id in collection", "id", p.GetId().String())
			continue
		}
		hits = append(hits, IndexHit{MemoryID: id, Score: p.GetScore()})
	}
	return hits, nil
}

// Close tears down the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// healthTTL bounds how often Healthy hits the server.
const healthTTL = 15 * time.Second

// Healthy reports whether the collection is reachable. Concurrent callers
// share one probe; results are cached for healthTTL.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < healthTTL {
		if v := q.healthErr.Load(); v != nil {
			if errp := v.(*error); *errp != nil {
				return *errp
			}
			return nil
		}
	}

	_, err, _ := q.healthGroup.Do("health", func() (any, error) {
		_, err := q.client.CollectionExists(ctx, q.collection)
		q.healthErr.Store(&err)
		q.healthAt.Store(time.Now().UnixNano())
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("search: qdrant unhealthy: %w", err)
	}
	return nil
}
