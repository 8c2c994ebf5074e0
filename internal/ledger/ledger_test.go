package ledger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceti-ai/ceti/internal/model"
)

const testThreshold = 0.92

// fakeEmbedder maps known queries to fixed vectors. Unknown queries get the
// zero vector, which the ledger treats as "no embedding available".
type fakeEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	if f.err != nil {
		return pgvector.Vector{}, f.err
	}
	v, ok := f.vecs[text]
	if !ok {
		v = make([]float32, 3)
	}
	return pgvector.NewVector(v), nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

// testClock is a mutable clock injected into the ledger.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func grantedResponse(certID string) model.Response {
	return model.Response{
		Authorization:   model.AuthorizationGranted,
		ResponseContent: "certified answer",
		Scope: &model.AuthorizationScope{
			ContextHash:     "abc",
			TemporalBounds:  "issued 2026-04-01, valid until 2026-05-01",
			ActionClass:     model.ActionInformational,
			RiskTierApplied: model.TierMedium,
		},
		CertificationID: certID,
	}
}

// newTestLedger builds a sqlite-backed ledger in a temp dir with a pinned
// clock and a small deterministic embedding space:
//
//	"base query"  -> [1, 0, 0]
//	"near query"  -> [1, 0.1, 0]   (cosine distance ~0.005, within threshold)
//	"far query"   -> [0, 1, 0]     (orthogonal, always a miss)
func newTestLedger(t *testing.T) (*Ledger, *testClock, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	idx, err := NewSQLiteIndex(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	emb := &fakeEmbedder{vecs: map[string][]float32{
		"base query": {1, 0, 0},
		"near query": {1, 0.1, 0},
		"far query":  {0, 1, 0},
	}}
	clk := newTestClock()
	return New(idx, emb, testThreshold, 30*24*time.Hour, clk.Now, testLogger()), clk, path
}

func TestLookupMissOnEmptyIndex(t *testing.T) {
	led, _, _ := newTestLedger(t)
	resp, _ := led.Lookup(context.Background(), "base query", model.TierMedium)
	assert.Nil(t, resp)
}

func TestStoreThenLookupHit(t *testing.T) {
	led, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, probe := led.Lookup(ctx, "base query", model.TierMedium)
	led.Store(ctx, "base query", model.TierMedium, grantedResponse("cert-1"), probe)

	resp, _ := led.Lookup(ctx, "base query", model.TierMedium)
	require.NotNil(t, resp)
	assert.Equal(t, "cert-1", resp.CertificationID)
	assert.Equal(t, "certified answer", resp.ResponseContent)
	assert.True(t, resp.Meta.Cached)
	assert.Equal(t, "ledger_hit", resp.Meta.Source)
	require.NotNil(t, resp.Scope)
}

func TestLookupHitOnSimilarQuery(t *testing.T) {
	led, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, probe := led.Lookup(ctx, "base query", model.TierMedium)
	led.Store(ctx, "base query", model.TierMedium, grantedResponse("cert-1"), probe)

	resp, _ := led.Lookup(ctx, "near query", model.TierMedium)
	require.NotNil(t, resp)
	assert.Equal(t, "cert-1", resp.CertificationID)
}

func TestLookupMissBeyondThreshold(t *testing.T) {
	led, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, probe := led.Lookup(ctx, "base query", model.TierMedium)
	led.Store(ctx, "base query", model.TierMedium, grantedResponse("cert-1"), probe)

	resp, _ := led.Lookup(ctx, "far query", model.TierMedium)
	assert.Nil(t, resp)
}

func TestLookupTierMonotonicity(t *testing.T) {
	led, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, probe := led.Lookup(ctx, "base query", model.TierMedium)
	led.Store(ctx, "base query", model.TierMedium, grantedResponse("cert-1"), probe)

	// A higher-tier request never reuses a lower-tier certification.
	resp, _ := led.Lookup(ctx, "base query", model.TierCritical)
	assert.Nil(t, resp)

	// A lower-tier request does.
	resp, _ = led.Lookup(ctx, "base query", model.TierLow)
	require.NotNil(t, resp)
	assert.Equal(t, "cert-1", resp.CertificationID)
}

func TestLookupMissAfterExpiry(t *testing.T) {
	led, clk, _ := newTestLedger(t)
	ctx := context.Background()

	_, probe := led.Lookup(ctx, "base query", model.TierMedium)
	led.Store(ctx, "base query", model.TierMedium, grantedResponse("cert-1"), probe)

	clk.Advance(30*24*time.Hour + time.Minute)
	resp, _ := led.Lookup(ctx, "base query", model.TierMedium)
	assert.Nil(t, resp)

	n, err := led.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreRefusalIsIgnored(t *testing.T) {
	led, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, probe := led.Lookup(ctx, "base query", model.TierMedium)
	denied := model.Denied("refused", model.RefusalDiagnostics{FailureType: model.FailureInstability})
	led.Store(ctx, "base query", model.TierMedium, denied, probe)

	resp, _ := led.Lookup(ctx, "base query", model.TierMedium)
	assert.Nil(t, resp)
}

func TestStoreConflictSuppression(t *testing.T) {
	led, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, probe := led.Lookup(ctx, "base query", model.TierMedium)
	led.Store(ctx, "base query", model.TierMedium, grantedResponse("cert-1"), probe)

	// A near-duplicate with different response content does not displace
	// the earlier adjudication.
	conflicting := grantedResponse("cert-2")
	conflicting.ResponseContent = "a contradicting certified answer"
	_, probe2 := led.Lookup(ctx, "near query", model.TierMedium)
	led.Store(ctx, "near query", model.TierMedium, conflicting, probe2)

	resp, _ := led.Lookup(ctx, "base query", model.TierMedium)
	require.NotNil(t, resp)
	assert.Equal(t, "cert-1", resp.CertificationID)
	assert.Equal(t, "certified answer", resp.ResponseContent)
}

func TestStoreSameContentReadjudicationIsWritten(t *testing.T) {
	led, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, probe := led.Lookup(ctx, "base query", model.TierMedium)
	led.Store(ctx, "base query", model.TierMedium, grantedResponse("cert-1"), probe)

	// A re-adjudication that reached the same content under a new
	// certification id is not a conflict; the write proceeds.
	_, probe2 := led.Lookup(ctx, "near query", model.TierMedium)
	led.Store(ctx, "near query", model.TierMedium, grantedResponse("cert-2"), probe2)

	resp, _ := led.Lookup(ctx, "near query", model.TierMedium)
	require.NotNil(t, resp)
	assert.Equal(t, "cert-2", resp.CertificationID)
}

func TestStoreIdempotentBySameCertificationID(t *testing.T) {
	led, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, probe := led.Lookup(ctx, "base query", model.TierMedium)
	led.Store(ctx, "base query", model.TierMedium, grantedResponse("cert-1"), probe)
	led.Store(ctx, "base query", model.TierMedium, grantedResponse("cert-1"), probe)

	resp, _ := led.Lookup(ctx, "base query", model.TierMedium)
	require.NotNil(t, resp)
	assert.Equal(t, "cert-1", resp.CertificationID)
}

func TestZeroEmbeddingNeverHitsOrStores(t *testing.T) {
	led, _, _ := newTestLedger(t)
	ctx := context.Background()

	// "unknown" embeds to the zero vector.
	_, probe := led.Lookup(ctx, "unknown", model.TierMedium)
	led.Store(ctx, "unknown", model.TierMedium, grantedResponse("cert-z"), probe)

	resp, _ := led.Lookup(ctx, "unknown", model.TierMedium)
	assert.Nil(t, resp)
}

func TestEmbedFailureDegradesToMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	idx, err := NewSQLiteIndex(path)
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	emb := &fakeEmbedder{err: errors.New("provider down")}
	led := New(idx, emb, testThreshold, time.Hour, nil, testLogger())

	resp, probe := led.Lookup(context.Background(), "base query", model.TierMedium)
	assert.Nil(t, resp)

	// Store with a failed probe re-embeds, fails again, and skips the write
	// without surfacing an error.
	led.Store(context.Background(), "base query", model.TierMedium, grantedResponse("cert-1"), probe)
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	led, clk, path := newTestLedger(t)
	ctx := context.Background()

	_, probe := led.Lookup(ctx, "base query", model.TierMedium)
	led.Store(ctx, "base query", model.TierMedium, grantedResponse("cert-1"), probe)
	require.NoError(t, led.Close())

	idx, err := NewSQLiteIndex(path)
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	emb := &fakeEmbedder{vecs: map[string][]float32{"base query": {1, 0, 0}}}
	reopened := New(idx, emb, testThreshold, 30*24*time.Hour, clk.Now, testLogger())

	resp, _ := reopened.Lookup(ctx, "base query", model.TierMedium)
	require.NotNil(t, resp)
	assert.Equal(t, "cert-1", resp.CertificationID)
}

func TestStoredRowsOmitQueryText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	idx, err := NewSQLiteIndex(path)
	require.NoError(t, err)

	secret := "my confidential merger question about ACME Corp"
	emb := &fakeEmbedder{vecs: map[string][]float32{secret: {1, 0, 0}}}
	led := New(idx, emb, testThreshold, time.Hour, nil, testLogger())
	ctx := context.Background()

	_, probe := led.Lookup(ctx, secret, model.TierHigh)
	led.Store(ctx, secret, model.TierHigh, grantedResponse("cert-1"), probe)

	resp, _ := led.Lookup(ctx, secret, model.TierHigh)
	require.NotNil(t, resp)
	require.NoError(t, led.Close())

	// The database file holds the response and the embedding but never the
	// query text itself.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "certified answer")
	assert.NotContains(t, string(raw), secret)
	assert.NotContains(t, string(raw), "ACME")
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, cosineDistance([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 1, cosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 2, cosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	// Zero-norm and mismatched lengths both pin to the maximal miss distance.
	assert.Equal(t, float64(1), cosineDistance([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, float64(1), cosineDistance([]float32{1}, []float32{1, 0}))
}
