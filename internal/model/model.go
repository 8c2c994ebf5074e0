// Package model defines the core domain types for CETI: risk tiers,
// adjudication responses, authorization scopes, refusal diagnostics,
// and the transcript that feeds the certification hash.
package model

import (
	"fmt"
	"strings"
	"time"
)

// MaxQueryLength is the maximum accepted query length in characters.
// Longer queries are refused by the input guard before any oracle call.
const MaxQueryLength = 2000

// RiskTier is the client-declared sensitivity of a query.
// Tiers are totally ordered: LOW < MEDIUM < HIGH < CRITICAL.
type RiskTier string

const (
	TierLow      RiskTier = "LOW"
	TierMedium   RiskTier = "MEDIUM"
	TierHigh     RiskTier = "HIGH"
	TierCritical RiskTier = "CRITICAL"
)

// tierOrder maps each tier to its position in the total order.
var tierOrder = map[RiskTier]int{
	TierLow:      0,
	TierMedium:   1,
	TierHigh:     2,
	TierCritical: 3,
}

// Index returns the tier's position in the total order (LOW=0 .. CRITICAL=3).
// Unknown tiers return -1.
func (t RiskTier) Index() int {
	if i, ok := tierOrder[t]; ok {
		return i
	}
	return -1
}

// Valid reports whether t is one of the four defined tiers.
func (t RiskTier) Valid() bool {
	return t.Index() >= 0
}

// ParseRiskTier validates a tier string. An empty string defaults to MEDIUM.
func ParseRiskTier(s string) (RiskTier, error) {
	if s == "" {
		return TierMedium, nil
	}
	t := RiskTier(s)
	if !t.Valid() {
		return "", fmt.Errorf("model: invalid risk_tier %q (must be LOW, MEDIUM, HIGH, or CRITICAL)", s)
	}
	return t, nil
}

// Authorization is the adjudication outcome.
type Authorization string

const (
	AuthorizationGranted Authorization = "GRANTED"
	AuthorizationDenied  Authorization = "DENIED"
)

// FailureType classifies why a query was refused.
type FailureType string

const (
	FailureCorrelationSuspicion FailureType = "correlation_suspicion"
	FailureContradiction        FailureType = "contradiction"
	FailureGamingSuspicion      FailureType = "gaming_suspicion"
	FailureMissingEvidence      FailureType = "missing_evidence"
	FailureInstability          FailureType = "instability"
	FailureOther                FailureType = "other"
)

// ActionClass values for AuthorizationScope.
const (
	ActionInformational   = "informational"
	ActionDecisionSupport = "decision_support"
)

// ActionClassFor maps a risk tier to the action class of a grant.
// LOW and MEDIUM grants are informational; HIGH and CRITICAL grants
// carry decision-support weight.
func ActionClassFor(tier RiskTier) string {
	if tier == TierLow || tier == TierMedium {
		return ActionInformational
	}
	return ActionDecisionSupport
}

// RefusalDiagnostics is the structured explanation attached to DENIED responses.
type RefusalDiagnostics struct {
	FailureType                  FailureType `json:"failure_type"`
	Details                      string      `json:"details"`
	RequirementsForCertification string      `json:"requirements_for_certification,omitempty"`
}

// AuthorizationScope bounds what a GRANTED response authorizes:
// which context, until when, for what class of action, at what tier.
type AuthorizationScope struct {
	ContextHash     string   `json:"context_hash"`
	TemporalBounds  string   `json:"temporal_bounds"`
	ActionClass     string   `json:"action_class"`
	RiskTierApplied RiskTier `json:"risk_tier_applied"`
}

// TemporalBounds formats the issuance date and TTL of a scope.
func TemporalBounds(issuedAt time.Time, ttl time.Duration) string {
	return fmt.Sprintf("issued %s, valid until %s",
		issuedAt.UTC().Format("2006-01-02"),
		issuedAt.Add(ttl).UTC().Format("2006-01-02"))
}

// Meta carries non-authoritative metadata about an adjudication.
type Meta struct {
	Cached          bool     `json:"cached,omitempty"`
	Source          string   `json:"source,omitempty"`
	RoundsCompleted int      `json:"rounds_completed,omitempty"`
	TranscriptHash  string   `json:"transcript_hash,omitempty"`
	JudgeAccepts    int      `json:"judge_accepts,omitempty"`
	JudgeTotal      int      `json:"judge_total,omitempty"`
	AgentsUsed      []string `json:"agents_used,omitempty"`
}

// Response is the adjudication result: a scoped grant or a structured refusal.
// It never asserts truth. Invariants: a GRANTED response always carries Scope
// and CertificationID; a DENIED response always carries RefusalDiagnostics and
// never a scope or certification id.
type Response struct {
	Authorization      Authorization       `json:"authorization"`
	ResponseContent    string              `json:"response_content"`
	Scope              *AuthorizationScope `json:"scope"`
	RefusalDiagnostics *RefusalDiagnostics `json:"refusal_diagnostics"`
	CertificationID    string              `json:"certification_id,omitempty"`
	Meta               Meta                `json:"meta"`
}

// Granted reports whether the response is a grant.
func (r Response) Granted() bool {
	return r.Authorization == AuthorizationGranted
}

// Denied constructs a refusal response.
func Denied(content string, diag RefusalDiagnostics) Response {
	return Response{
		Authorization:      AuthorizationDenied,
		ResponseContent:    content,
		RefusalDiagnostics: &diag,
	}
}

// MaxDetailLen caps the user-facing details string on refusals.
const MaxDetailLen = 300

// Truncate shortens s to at most MaxDetailLen characters, appending an
// ellipsis when cut. Used for critic excerpts and error classes in
// diagnostics so provider output never leaks at full length.
func Truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= MaxDetailLen {
		return s
	}
	return s[:MaxDetailLen-3] + "..."
}
