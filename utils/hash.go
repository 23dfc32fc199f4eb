package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// MakeHash returns a deterministic, filesystem-safe name for a cache key.
// The digest is hex encoded, so the result never contains path separators.
func MakeHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
