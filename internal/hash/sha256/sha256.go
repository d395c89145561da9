// Package sha256 fingerprints snapshot documents.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex SHA-256 digest of a snapshot document.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Tagged returns the digest prefixed with its algorithm, as carried in
// publication notifications.
func Tagged(data []byte) string {
	return "sha256:" + Sum(data)
}
