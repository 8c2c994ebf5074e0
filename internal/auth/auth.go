// Package auth implements API key authentication for the HTTP surface.
//
// Two key sources are supported: plaintext keys (development) and Argon2id
// hashes (production, keys never stored in clear). Both paths are constant
// time. Callers are identified in logs and rate-limit buckets by a short
// digest of their key; the key itself is never logged.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// Keyring holds the accepted API keys for this deployment.
type Keyring struct {
	// SHA-256 digests of plaintext keys, so comparisons are constant time
	// and independent of key length.
	plainDigests [][32]byte
	hashed       []string
}

// NewKeyring builds a keyring from plaintext keys and Argon2id encodings.
// Empty entries are skipped.
func NewKeyring(plainKeys, hashedKeys []string) *Keyring {
	kr := &Keyring{}
	for _, k := range plainKeys {
		if k == "" {
			continue
		}
		kr.plainDigests = append(kr.plainDigests, sha256.Sum256([]byte(k)))
	}
	for _, h := range hashedKeys {
		if h == "" {
			continue
		}
		kr.hashed = append(kr.hashed, h)
	}
	return kr
}

// Empty reports whether no keys are configured.
func (k *Keyring) Empty() bool {
	return len(k.plainDigests) == 0 && len(k.hashed) == 0
}

// Authenticate checks a presented key against the ring. On success it
// returns the caller identity: the first 8 hex chars of SHA-256(key).
func (k *Keyring) Authenticate(apiKey string) (identity string, ok bool) {
	if apiKey == "" {
		DummyVerify()
		return "", false
	}

	digest := sha256.Sum256([]byte(apiKey))

	matched := false
	for _, d := range k.plainDigests {
		if subtle.ConstantTimeCompare(d[:], digest[:]) == 1 {
			matched = true
		}
	}

	if !matched {
		verified := false
		for _, h := range k.hashed {
			okHash, err := verifyHashedKey(apiKey, h)
			verified = verified || (err == nil && okHash)
		}
		matched = verified
		if len(k.hashed) == 0 {
			// Equalize timing with deployments that do check hashes.
			DummyVerify()
		}
	}

	if !matched {
		return "", false
	}
	return hex.EncodeToString(digest[:])[:8], true
}

// KeyFromRequest extracts the presented API key from X-API-Key or a Bearer
// Authorization header.
func KeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}
