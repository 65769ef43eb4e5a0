// Package digest computes the fixed-size content digests used to baseline
// and re-verify monitored regions.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Digest is a SHA-256 content digest.
type Digest [Size]byte

// Sum computes the digest of data.
func Sum(data []byte) Digest {
	return sha256.Sum256(data)
}

// Equal reports whether a and b match byte for byte.
func Equal(a, b Digest) bool {
	return a == b
}

// DiffCount returns the number of byte positions at which a and b differ.
// The scanner feeds this into its drift-tolerance decision for dynamic
// regions.
func DiffCount(a, b Digest) int {
	n := 0
	for i := range a {
		if a[i] != b[i] {
			n++
		}
	}
	return n
}

// ShortHex renders the first 8 bytes of d as hex, compact enough for
// tamper details and log fields.
func ShortHex(d Digest) string {
	return hex.EncodeToString(d[:8])
}
