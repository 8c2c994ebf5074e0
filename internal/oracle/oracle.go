// Package oracle wraps the LLM provider behind a minimal completion
// interface with per-call timeouts and a closed set of typed error classes.
//
// The client performs no retries; retry policy belongs to the verifier,
// which treats generator and critic failures differently from judge
// failures. Responses are normalized to a single trimmed content string
// regardless of the provider envelope.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ErrorClass partitions oracle failures. The verifier maps all of them to
// an instability refusal but records the class in diagnostics.
type ErrorClass string

const (
	ErrTimeout     ErrorClass = "timeout"
	ErrTransport   ErrorClass = "transport"
	ErrProvider5xx ErrorClass = "provider_5xx"
	ErrMalformed   ErrorClass = "malformed"
	ErrRateLimited ErrorClass = "rate_limited"
)

// Error is a typed oracle failure. The wrapped cause is kept for logs;
// user-facing diagnostics must only ever expose Class.
type Error struct {
	Class ErrorClass
	err   error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("oracle: %s", e.Class)
	}
	return fmt.Sprintf("oracle: %s: %v", e.Class, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// ClassOf extracts the error class from an oracle error chain.
// Non-oracle errors classify as transport.
func ClassOf(err error) ErrorClass {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Class
	}
	return ErrTransport
}

// Client is the completion interface consumed by the verifier.
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete sends messages to the named model and returns the normalized
	// content string. Errors are always *Error.
	Complete(ctx context.Context, model string, messages []Message, maxTokens int) (string, error)
}

// HTTPClient talks to an OpenAI-compatible chat-completions endpoint
// (Groq by default). One instance serves generator, critic, and judge
// calls; the model is chosen per call.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// NewHTTPClient creates a client for the given base URL (without the
// /chat/completions suffix). timeout bounds each individual call.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

type completionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// maxErrorBodyBytes bounds how much of an error response body is read.
const maxErrorBodyBytes = 4096

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, model string, messages []Message, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(completionRequest{Model: model, Messages: messages, MaxTokens: maxTokens})
	if err != nil {
		return "", &Error{Class: ErrMalformed, err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &Error{Class: ErrTransport, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &Error{Class: ErrTimeout, err: err}
		}
		return "", &Error{Class: ErrTransport, err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", &Error{Class: ErrRateLimited, err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", &Error{Class: ErrProvider5xx, err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", &Error{Class: ErrMalformed, err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var result completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &Error{Class: ErrMalformed, err: fmt.Errorf("decode response: %w", err)}
	}
	if result.Error != nil {
		return "", &Error{Class: ErrMalformed, err: fmt.Errorf("provider error: %s", result.Error.Type)}
	}
	if len(result.Choices) == 0 {
		return "", &Error{Class: ErrMalformed, err: errors.New("no choices in response")}
	}

	content := strings.TrimSpace(result.Choices[0].Message.Content)
	if content == "" {
		return "", &Error{Class: ErrMalformed, err: errors.New("empty content")}
	}
	return content, nil
}
