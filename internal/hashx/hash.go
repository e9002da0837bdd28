// Package hashx provides content hashing for clipboard payloads.
//
// The hex SHA-256 of the raw payload bytes is the system-wide dedup and
// loop-prevention key: identical bytes hash identically on every device,
// regardless of origin.
package hashx

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash returns the hex-encoded SHA-256 digest of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
