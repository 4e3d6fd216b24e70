// Package checksum fingerprints compaction snapshots so a torn or tampered
// snapshot is detected on load instead of being merged.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of snapshot.
func Sum(snapshot []byte) string {
	h := sha256.Sum256(snapshot)
	return hex.EncodeToString(h[:])
}

// Verify reports whether sum is the digest of snapshot. A document that was
// never compacted has neither, which also verifies.
func Verify(snapshot []byte, sum string) bool {
	if len(snapshot) == 0 && sum == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(Sum(snapshot)), []byte(sum)) == 1
}
