package testutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the content ID the service assigns to data: its
// SHA-256 as lowercase hex.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
