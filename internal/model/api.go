package model

import "time"

// VerifyRequest is the request body for POST /verify.
type VerifyRequest struct {
	Query    string `json:"query"`
	RiskTier string `json:"risk_tier,omitempty"`
}

// HealthResponse is the response for GET / and GET /health.
type HealthResponse struct {
	Status             string `json:"status"`
	InvariantsEnforced bool   `json:"invariants_enforced"`
	Version            string `json:"version"`
	Message            string `json:"message"`
}

// APIError is the error response envelope for structural failures
// (malformed body, invalid tier, missing auth). Adjudication refusals
// are not errors; they come back as a DENIED Response with HTTP 200.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta contains request metadata included in error responses.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)
