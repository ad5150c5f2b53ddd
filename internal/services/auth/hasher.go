package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashSecret maps a high-entropy secret (refresh token, verification code or
// link token) to the lookup key stored in place of the plaintext. Records are
// found by this value in a single indexed read.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
