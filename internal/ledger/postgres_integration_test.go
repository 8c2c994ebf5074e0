package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ceti-ai/ceti/internal/model"
)

// startPostgres starts a pgvector-enabled Postgres container and returns its
// DSN. Skipped in short mode.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "ceti",
			"POSTGRES_PASSWORD": "ceti",
			"POSTGRES_DB":       "ceti",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://ceti:ceti@%s:%s/ceti?sslmode=disable", host, port.Port())
}

func TestPostgresIndexIntegration(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	idx, err := NewPostgresIndex(ctx, dsn, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	require.NoError(t, idx.Healthy(ctx))

	// Empty index.
	n, err := idx.Nearest(ctx, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Nil(t, n)

	now := time.Now().UTC().Truncate(time.Second)
	entry := Entry{
		CertificationID: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		RiskTier:        model.TierMedium,
		Response: model.Response{
			Authorization:   model.AuthorizationGranted,
			ResponseContent: "certified answer",
			CertificationID: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Embedding: []float32{1, 0, 0},
	}
	require.NoError(t, idx.Upsert(ctx, entry))

	// Exact probe: distance ~0.
	n, err = idx.Nearest(ctx, []float32{1, 0, 0})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, entry.CertificationID, n.Entry.CertificationID)
	assert.Equal(t, model.TierMedium, n.Entry.RiskTier)
	assert.Equal(t, "certified answer", n.Entry.Response.ResponseContent)
	assert.InDelta(t, 0, n.Distance, 1e-6)

	// Orthogonal probe: distance ~1, still the nearest row.
	n, err = idx.Nearest(ctx, []float32{0, 1, 0})
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.InDelta(t, 1, n.Distance, 1e-6)

	// Idempotent upsert by certification id.
	entry.Response.ResponseContent = "revised answer"
	require.NoError(t, idx.Upsert(ctx, entry))
	n, err = idx.Nearest(ctx, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, "revised answer", n.Entry.Response.ResponseContent)

	// Sweep does not touch live rows, then removes expired ones.
	removed, err := idx.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = idx.Sweep(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err = idx.Nearest(ctx, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestPostgresLedgerIntegration(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	idx, err := NewPostgresIndex(ctx, dsn, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	emb := &fakeEmbedder{vecs: map[string][]float32{
		"base query": {1, 0, 0},
		"near query": {1, 0.1, 0},
	}}
	clk := newTestClock()
	led := New(idx, emb, testThreshold, time.Hour, clk.Now, testLogger())

	_, probe := led.Lookup(ctx, "base query", model.TierMedium)
	led.Store(ctx, "base query", model.TierMedium, grantedResponse("cert-pg"), probe)

	resp, _ := led.Lookup(ctx, "near query", model.TierMedium)
	require.NotNil(t, resp)
	assert.Equal(t, "cert-pg", resp.CertificationID)
	assert.True(t, resp.Meta.Cached)

	clk.Advance(2 * time.Hour)
	resp, _ = led.Lookup(ctx, "base query", model.TierMedium)
	assert.Nil(t, resp)
}
