// Package tokenhash computes the replay key for a CAPTCHA token.
//
// The raw token is used exactly once, to call the CAPTCHA provider, and is
// never persisted; only Hash(token) is ever written to storage (§4.3).
package tokenhash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the lower-hex SHA-256 digest of token.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
