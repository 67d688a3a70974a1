package util

import (
	"crypto/rand"
	"encoding/hex"
)

// RandomToken returns a random hex token of 2*n characters. Used for the
// UDP bind key a client generates at connect time.
func RandomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; an empty key
		// would just make UDP binding impossible, not unsafe.
		return ""
	}
	return hex.EncodeToString(buf)
}
