// Package webctx provides best-effort web context enrichment for queries.
//
// Context fetching must never fail a request: every error path, including
// timeouts and malformed provider responses, degrades to an empty string.
package webctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Fetcher returns a short text blob of web context for a query, or "".
type Fetcher interface {
	Fetch(ctx context.Context, query string) string
}

// Noop always returns empty context. Used when no search key is configured.
type Noop struct{}

// Fetch returns "".
func (Noop) Fetch(context.Context, string) string { return "" }

const (
	defaultEndpoint   = "https://google.serper.dev/search"
	defaultNumResults = 5
	fetchTimeout      = 10 * time.Second
)

// SerperFetcher queries the Serper search API and joins organic result
// snippets into a context blob.
type SerperFetcher struct {
	apiKey     string
	endpoint   string
	numResults int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSerperFetcher creates a Serper-backed fetcher.
func NewSerperFetcher(apiKey string, logger *slog.Logger) *SerperFetcher {
	return &SerperFetcher{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		numResults: defaultNumResults,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
	GL  string `json:"gl"`
	HL  string `json:"hl"`
}

type serperResponse struct {
	Organic []struct {
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Fetch returns joined snippets for the query, or "" on any failure.
func (f *SerperFetcher) Fetch(ctx context.Context, query string) string {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	body, err := json.Marshal(serperRequest{Q: query, Num: f.numResults, GL: "us", HL: "en"})
	if err != nil {
		return ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return ""
	}
	req.Header.Set("X-API-KEY", f.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.logger.Debug("webctx: search request failed", "error", err)
		return ""
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		f.logger.Debug("webctx: search returned non-200", "status", resp.StatusCode)
		return ""
	}

	var result serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		f.logger.Debug("webctx: decode search response failed", "error", err)
		return ""
	}

	snippets := make([]string, 0, f.numResults)
	for _, item := range result.Organic {
		if item.Snippet != "" {
			snippets = append(snippets, item.Snippet)
		}
		if len(snippets) == f.numResults {
			break
		}
	}
	return strings.Join(snippets, "\n")
}
