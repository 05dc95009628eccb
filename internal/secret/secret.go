// Package secret generates personal token secrets and derives the digest
// under which they are stored.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// Prefix marks a personal token. The request authenticator dispatches on it.
	Prefix = "nllm_"

	// EntropyBytes is the number of random bytes behind every secret.
	EntropyBytes = 32

	// Length is the fixed length of a generated secret.
	Length = len(Prefix) + 43

	// DigestLength is the length of a hex-encoded digest.
	DigestLength = sha256.Size * 2

	visibleBodyChars = 4
	suffixChars      = 4
)

// ErrMalformed is returned when a presented value is not shaped like a secret.
var ErrMalformed = errors.New("malformed personal token")

var encoding = base64.RawURLEncoding.Strict()

// Generate returns a new plaintext secret.
func Generate() (string, error) {
	b := make([]byte, EntropyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return Prefix + encoding.EncodeToString(b), nil
}

// HasPrefix reports whether s carries the personal token marker.
func HasPrefix(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// CheckFormat verifies the prefix, the exact length, the alphabet and that
// the body decodes canonically to EntropyBytes bytes.
func CheckFormat(s string) error {
	if len(s) != Length || !HasPrefix(s) {
		return ErrMalformed
	}
	body := s[len(Prefix):]
	for i := 0; i < len(body); i++ {
		if !isURLSafe(body[i]) {
			return ErrMalformed
		}
	}
	raw, err := encoding.DecodeString(body)
	if err != nil || len(raw) != EntropyBytes {
		return ErrMalformed
	}
	return nil
}

func isURLSafe(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}

// Digest returns the hex-encoded SHA-256 of s.
func Digest(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// VisiblePrefix returns the marker plus the first few body characters.
func VisiblePrefix(s string) string {
	n := len(Prefix) + visibleBodyChars
	if len(s) < n {
		return s
	}
	return s[:n]
}

// VisibleSuffix returns the last four characters of s.
func VisibleSuffix(s string) string {
	if len(s) < suffixChars {
		return s
	}
	return s[len(s)-suffixChars:]
}
