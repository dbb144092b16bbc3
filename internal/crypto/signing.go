package crypto

import (
	"crypto/rand"
	"io"
)

// IsZeroSignature checks if a signature is all zeros (unsigned).
func IsZeroSignature(signature [SignatureSize]byte) bool {
	for _, b := range signature {
		if b != 0 {
			return false
		}
	}
	return true
}

// RandomBytes fills a byte slice with cryptographically secure random
// bytes. Used by callers that need scenario-independent randomness
// outside of a keypair (e.g. test fixtures).
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}
