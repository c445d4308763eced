package testutil

import (
	"bytes"
	"crypto/sha256"
)

// TestSeed returns a fixed 32-byte ed25519 seed for tests that need stable
// signatures. Never use it outside tests.
func TestSeed() []byte {
	sum := sha256.Sum256([]byte("bridgekeeper test authority"))
	return sum[:]
}

// Holder returns a deterministic 32-byte holder identity whose bytes are all b.
func Holder(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}
