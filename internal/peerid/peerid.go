// Package peerid generates relay-assigned peer identifiers.
package peerid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const entropyBytes = 16

// New draws entropyBytes bytes from a cryptographically strong source
// and returns them URL-safe base64 encoded: a 22-character id with no
// padding characters. It holds no state and is safe to call
// concurrently from any number of goroutines.
func New() (string, error) {
	buf := make([]byte, entropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("peerid: failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
