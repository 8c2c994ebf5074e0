package webctx

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func serperAt(t *testing.T, handler http.HandlerFunc) *SerperFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := NewSerperFetcher("test-key", testLogger())
	f.endpoint = srv.URL
	return f
}

func TestFetchJoinsSnippets(t *testing.T) {
	f := serperAt(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))
		_, _ = w.Write([]byte(`{"organic":[
			{"snippet":"first"},
			{"snippet":""},
			{"snippet":"second"}
		]}`))
	})

	got := f.Fetch(context.Background(), "query")
	assert.Equal(t, "first\nsecond", got)
}

func TestFetchCapsSnippetCount(t *testing.T) {
	f := serperAt(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"organic":[
			{"snippet":"1"},{"snippet":"2"},{"snippet":"3"},
			{"snippet":"4"},{"snippet":"5"},{"snippet":"6"},{"snippet":"7"}
		]}`))
	})

	got := f.Fetch(context.Background(), "query")
	assert.Equal(t, "1\n2\n3\n4\n5", got)
}

func TestFetchDegradesToEmpty(t *testing.T) {
	t.Run("non-200", func(t *testing.T) {
		f := serperAt(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		assert.Empty(t, f.Fetch(context.Background(), "query"))
	})

	t.Run("bad json", func(t *testing.T) {
		f := serperAt(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		})
		assert.Empty(t, f.Fetch(context.Background(), "query"))
	})

	t.Run("unreachable", func(t *testing.T) {
		f := NewSerperFetcher("k", testLogger())
		f.endpoint = "http://127.0.0.1:1"
		assert.Empty(t, f.Fetch(context.Background(), "query"))
	})
}

func TestNoopFetch(t *testing.T) {
	assert.Empty(t, Noop{}.Fetch(context.Background(), "anything"))
}
