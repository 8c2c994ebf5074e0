// genkey generates an API key and its Argon2id encoding for CETI.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Prints the plaintext key once (hand it to the client, it is not
// recoverable) and the hash to put in CETI_API_KEY_HASHES. Production
// deployments should configure hashes only; CETI_API_KEYS with plaintext
// keys is for development.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/ceti-ai/ceti/internal/auth"
)

func main() {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}
	key := "ceti_" + hex.EncodeToString(raw)

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: hash key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API key (give to the client, shown once):\n  %s\n\n", key)
	fmt.Printf("Server configuration:\n  CETI_API_KEY_HASHES=%s\n", hash)
}
