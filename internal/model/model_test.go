package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskTierOrdering(t *testing.T) {
	assert.Less(t, TierLow.Index(), TierMedium.Index())
	assert.Less(t, TierMedium.Index(), TierHigh.Index())
	assert.Less(t, TierHigh.Index(), TierCritical.Index())
	assert.Equal(t, -1, RiskTier("EXTREME").Index())
}

func TestParseRiskTier(t *testing.T) {
	tests := []struct {
		in      string
		want    RiskTier
		wantErr bool
	}{
		{"", TierMedium, false},
		{"LOW", TierLow, false},
		{"MEDIUM", TierMedium, false},
		{"HIGH", TierHigh, false},
		{"CRITICAL", TierCritical, false},
		{"low", "", true},
		{"EXTREME", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRiskTier(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestActionClassFor(t *testing.T) {
	assert.Equal(t, ActionInformational, ActionClassFor(TierLow))
	assert.Equal(t, ActionInformational, ActionClassFor(TierMedium))
	assert.Equal(t, ActionDecisionSupport, ActionClassFor(TierHigh))
	assert.Equal(t, ActionDecisionSupport, ActionClassFor(TierCritical))
}

func TestTemporalBounds(t *testing.T) {
	issued := time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)
	got := TemporalBounds(issued, 30*24*time.Hour)
	assert.Equal(t, "issued 2026-03-01, valid until 2026-03-31", got)
}

func TestDeniedShape(t *testing.T) {
	resp := Denied("refused", RefusalDiagnostics{FailureType: FailureGamingSuspicion, Details: "why"})
	assert.Equal(t, AuthorizationDenied, resp.Authorization)
	assert.False(t, resp.Granted())
	require.NotNil(t, resp.RefusalDiagnostics)
	assert.Nil(t, resp.Scope)
	assert.Empty(t, resp.CertificationID)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("  short  "))

	long := strings.Repeat("x", MaxDetailLen+50)
	got := Truncate(long)
	assert.Len(t, got, MaxDetailLen)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestTranscriptAppendOrder(t *testing.T) {
	var tr Transcript
	tr.Append(RoleUser, "", "q", 0)
	tr.Append(RoleAssistant, "gen", "a", 0)
	tr.Append(RoleCritic, "logician", "no", 1)

	turns := tr.Turns()
	require.Equal(t, 3, tr.Len())
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "gen", turns[1].ModelID)
	assert.Equal(t, 1, turns[2].Round)
}
