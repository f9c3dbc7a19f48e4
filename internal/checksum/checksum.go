// Package checksum computes content digests for rendered documents and
// moderation payloads.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Short returns the first 12 hex characters of the digest of the given lines
// joined by newlines. Used where the digest travels inside rendered text.
func Short(lines ...string) string {
	return Sum([]byte(strings.Join(lines, "\n")))[:12]
}
