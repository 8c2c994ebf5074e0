package ceti

import "time"

// RiskTier declares how sensitive the action based on an answer is.
// Higher tiers never reuse certifications adjudicated at lower tiers.
type RiskTier string

const (
	TierLow      RiskTier = "LOW"
	TierMedium   RiskTier = "MEDIUM"
	TierHigh     RiskTier = "HIGH"
	TierCritical RiskTier = "CRITICAL"
)

// Authorization is the adjudication outcome.
type Authorization string

const (
	AuthorizationGranted Authorization = "GRANTED"
	AuthorizationDenied  Authorization = "DENIED"
)

// VerifyRequest is the body of POST /verify. RiskTier defaults to MEDIUM
// server-side when empty.
type VerifyRequest struct {
	Query    string   `json:"query"`
	RiskTier RiskTier `json:"risk_tier,omitempty"`
}

// AuthorizationScope bounds what a GRANTED response authorizes.
type AuthorizationScope struct {
	ContextHash     string   `json:"context_hash"`
	TemporalBounds  string   `json:"temporal_bounds"`
	ActionClass     string   `json:"action_class"`
	RiskTierApplied RiskTier `json:"risk_tier_applied"`
}

// RefusalDiagnostics explains a DENIED response.
type RefusalDiagnostics struct {
	FailureType                  string `json:"failure_type"`
	Details                      string `json:"details"`
	RequirementsForCertification string `json:"requirements_for_certification,omitempty"`
}

// Meta carries non-authoritative adjudication metadata.
type Meta struct {
	Cached          bool     `json:"cached,omitempty"`
	Source          string   `json:"source,omitempty"`
	RoundsCompleted int      `json:"rounds_completed,omitempty"`
	TranscriptHash  string   `json:"transcript_hash,omitempty"`
	JudgeAccepts    int      `json:"judge_accepts,omitempty"`
	JudgeTotal      int      `json:"judge_total,omitempty"`
	AgentsUsed      []string `json:"agents_used,omitempty"`
}

// Response is the adjudication result. A GRANTED response carries Scope and
// CertificationID; a DENIED response carries RefusalDiagnostics. A grant is
// an authorization to act within the scope, not an assertion of truth.
type Response struct {
	Authorization      Authorization       `json:"authorization"`
	ResponseContent    string              `json:"response_content"`
	Scope              *AuthorizationScope `json:"scope"`
	RefusalDiagnostics *RefusalDiagnostics `json:"refusal_diagnostics"`
	CertificationID    string              `json:"certification_id,omitempty"`
	Meta               Meta                `json:"meta"`
}

// Granted reports whether the response is a grant.
func (r *Response) Granted() bool {
	return r.Authorization == AuthorizationGranted
}

// Health is the response of GET /health.
type Health struct {
	Status             string `json:"status"`
	InvariantsEnforced bool   `json:"invariants_enforced"`
	Version            string `json:"version"`
	Message            string `json:"message"`
}

// apiErrorEnvelope is the server's structural error wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		RequestID string    `json:"request_id"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"meta"`
}
