package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceti-ai/ceti/internal/model"
)

func TestMemoryLimiterBurst(t *testing.T) {
	m := NewMemoryLimiter(0.001, 2)
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	ok, err := m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	// Burst exhausted and refill is negligible.
	ok, err = m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	assert.False(t, ok)

	// A different key has its own bucket.
	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		ok, err := l.Allow(context.Background(), "any")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	require.NoError(t, l.Close())
}

func limitedHandler(t *testing.T, limiter Limiter, keyFunc KeyFunc) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	reqID := func(*http.Request) string { return "req-1" }
	return Middleware(limiter, keyFunc, reqID, logger)(next)
}

func TestMiddlewareDeniesOverLimit(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer func() { _ = m.Close() }()

	h := limitedHandler(t, m, func(*http.Request) string { return "caller" })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/verify", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/verify", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
	assert.Equal(t, "req-1", apiErr.Meta.RequestID)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer func() { _ = m.Close() }()

	h := limitedHandler(t, m, func(*http.Request) string { return "" })

	for range 5 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/verify", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	h := limitedHandler(t, nil, func(*http.Request) string { return "caller" })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/verify", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
