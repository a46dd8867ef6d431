package auth

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint returns a short, stable digest of a token for logs and status
// output. Raw tokens are never logged.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}
