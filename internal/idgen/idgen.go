// Package idgen generates the random identifiers used across vidforge:
// prefixed asset and user ids, UUID-shaped ledger entry ids, and short hex
// tokens for leases and request ids.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}

// New returns a UUID-shaped random id
// (xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx).
func New() string {
	b := random(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns prefix + 24 hex chars, the shape of vid_/img_/usr_ ids.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// Hex returns n random bytes hex-encoded.
func Hex(n int) string {
	return hex.EncodeToString(random(n))
}
