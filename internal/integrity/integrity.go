// Package integrity provides tamper-evident hashing for adjudication
// transcripts and certification identifiers. All functions are pure and
// deterministic: identical transcripts always produce identical ids.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/ceti-ai/ceti/internal/model"
)

// canonicalTurn encodes one transcript turn with length-prefixed fields.
// Length prefixes (4-byte big-endian) avoid delimiter collisions when turn
// content contains newlines or separator characters.
func canonicalTurn(t model.Turn) string {
	var b strings.Builder
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		b.Write(lenBuf[:])
		b.WriteString(s)
	}
	writeField(string(t.Role))
	writeField(t.ModelID)
	writeField(strconv.Itoa(t.Round))
	writeField(t.Content)
	return b.String()
}

// TranscriptHash produces the SHA-256 hex digest over the newline-joined
// canonical turn records, in append order.
func TranscriptHash(turns []model.Turn) string {
	records := make([]string, len(turns))
	for i, t := range turns {
		records[i] = canonicalTurn(t)
	}
	sum := sha256.Sum256([]byte(strings.Join(records, "\n")))
	return hex.EncodeToString(sum[:])
}

// CertificationID derives the certification identifier from a transcript
// hash: SHA-256 of the hash's hex representation. Always 64 lowercase hex
// characters; used as the ledger primary key.
func CertificationID(transcriptHash string) string {
	sum := sha256.Sum256([]byte(transcriptHash))
	return hex.EncodeToString(sum[:])
}

// ContextHash binds an authorization scope to the exact query text.
func ContextHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}
