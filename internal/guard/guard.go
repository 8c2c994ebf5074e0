// Package guard implements the deterministic input guard: a pure,
// rejection-first filter that blocks over-length queries and known
// prompt-injection phrasings before any oracle call is made.
package guard

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/ceti-ai/ceti/internal/model"
)

// patternSources is the fixed set of disallowed phrasings. The set is
// compiled once at package init and immutable afterwards. Patterns target
// instruction override, jailbreak and persona-hijack attempts, and
// "forget previous" framings.
var patternSources = []string{
	`(?i)ignore.*(rules|instructions|previous)`,
	`(?i)jailbreak|\bdan\b|system prompt|developer mode`,
	`(?i)forget.*(all|previous)`,
	`(?i)simulate.*(bypass|override)`,
	`(?i)you are now|act as`,
}

var patterns = compile(patternSources)

func compile(sources []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(sources))
	for i, s := range sources {
		out[i] = regexp.MustCompile(s)
	}
	return out
}

// Guard checks queries against the length cap and the disallowed pattern set.
// The zero cost of constructing it reflects that all state is package-level
// and immutable; the type exists so callers hold an explicit dependency.
type Guard struct{}

// New returns the input guard.
func New() *Guard {
	return &Guard{}
}

// Check returns (true, reason) if the query must be blocked. It never
// errors and performs no I/O.
func (g *Guard) Check(query string) (bool, string) {
	// The cap counts characters, not bytes; multibyte text is not penalized.
	if utf8.RuneCountInString(query) > model.MaxQueryLength {
		return true, fmt.Sprintf("Query exceeds maximum length (%d chars).", model.MaxQueryLength)
	}
	for _, p := range patterns {
		if p.MatchString(query) {
			return true, fmt.Sprintf("Disallowed pattern detected: %s", p.String())
		}
	}
	return false, ""
}
