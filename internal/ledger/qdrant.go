package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ceti-ai/ceti/internal/model"
)

// QdrantConfig holds connection settings for a Qdrant-backed index.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex stores certifications as points in a cosine collection.
// Qdrant returns similarity scores; distance = 1 - score.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("ledger: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("ledger: invalid port in qdrant URL: %q", portStr)
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

// NewQdrantIndex connects to Qdrant via gRPC and ensures the collection.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
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
		return nil, fmt.Errorf("ledger: connect to qdrant at %s:%d: %w", host, port, err)
	}

	q := &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}
	if err := q.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

// ensureCollection creates the cosine collection if absent and ensures the
// expiry payload index. CreateFieldIndex is idempotent on Qdrant, so it is
// always attempted to backfill indexes added after the collection existed.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("ledger: check collection exists: %w", err)
	}

	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("ledger: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "expires_at_unix",
		FieldType:      &floatType,
	}); err != nil {
		return fmt.Errorf("ledger: ensure index on expires_at_unix: %w", err)
	}
	return nil
}

// pointID derives a deterministic UUID point id from a certification id
// (64 hex chars): the first 16 bytes of the decoded digest.
func pointID(certificationID string) (string, error) {
	raw, err := hex.DecodeString(certificationID)
	if err != nil || len(raw) < 16 {
		return "", fmt.Errorf("ledger: certification id %q is not a hex digest", certificationID)
	}
	id, err := uuid.FromBytes(raw[:16])
	if err != nil {
		return "", fmt.Errorf("ledger: derive point id: %w", err)
	}
	return id.String(), nil
}

// Nearest returns the closest point. The stored embedding is not fetched
// back; the ledger contract only needs distance and entry metadata.
func (q *QdrantIndex) Nearest(ctx context.Context, embedding []float32) (*Neighbor, error) {
	limit := uint64(1)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: qdrant query: %w", err)
	}
	if len(scored) == 0 {
		return nil, nil
	}

	sp := scored[0]
	payload := sp.Payload
	get := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}

	var e Entry
	e.CertificationID = get("certification_id")
	e.RiskTier = model.RiskTier(get("risk_tier"))
	if respJSON := get("response"); respJSON != "" {
		if err := json.Unmarshal([]byte(respJSON), &e.Response); err != nil {
			return nil, fmt.Errorf("ledger: decode stored response %s: %w", e.CertificationID, err)
		}
	}
	if v, ok := payload["issued_at_unix"]; ok {
		e.IssuedAt = time.Unix(int64(v.GetDoubleValue()), 0).UTC()
	}
	if v, ok := payload["expires_at_unix"]; ok {
		e.ExpiresAt = time.Unix(int64(v.GetDoubleValue()), 0).UTC()
	}

	return &Neighbor{Entry: e, Distance: 1 - float64(sp.Score)}, nil
}

// Upsert writes the entry as a single point keyed by a UUID derived from the
// certification id.
func (q *QdrantIndex) Upsert(ctx context.Context, e Entry) error {
	id, err := pointID(e.CertificationID)
	if err != nil {
		return err
	}
	respJSON, err := json.Marshal(e.Response)
	if err != nil {
		return fmt.Errorf("ledger: encode response: %w", err)
	}

	// The payload carries no query text; the point vector is the only trace
	// of the adjudicated question.
	payload := map[string]any{
		"certification_id": e.CertificationID,
		"risk_tier":        string(e.RiskTier),
		"response":         string(respJSON),
		"issued_at_unix":   float64(e.IssuedAt.Unix()),
		"expires_at_unix":  float64(e.ExpiresAt.Unix()),
	}

	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectorsDense(e.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("ledger: qdrant upsert: %w", err)
	}
	return nil
}

// Sweep deletes points whose expiry is at or before now. Qdrant's delete
// does not report a count, so Sweep counts matching points first; the count
// is advisory and slight races with concurrent writes are acceptable.
func (q *QdrantIndex) Sweep(ctx context.Context, now time.Time) (int, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewRange("expires_at_unix", &qdrant.Range{
				Lte: qdrant.PtrOf(float64(now.Unix())),
			}),
		},
	}

	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Filter:         filter,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: qdrant count expired: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: qdrant delete expired: %w", err)
	}
	return int(count), nil //nolint:gosec
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every request. Concurrent calls
// after cache expiry are deduplicated via singleflight so only one gRPC call
// is made; all waiters share its result.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	// Fast path: return the cached result if fresh.
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Deduplicate concurrent checks. Use context.Background() instead of the
	// caller's ctx because singleflight reuses the first caller's context;
	// if that caller cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("ledger: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

// loadHealthErr loads the cached health error.
func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
