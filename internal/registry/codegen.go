package registry

import (
	"crypto/rand"
	"fmt"
)

// codeAlphabet excludes visually ambiguous glyphs (no 0/O, 1/I/L, etc.)
// per spec.md §3.
const codeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

// codeLength is the fixed width of a pairing code.
const codeLength = 6

// maxCodeGenAttempts bounds the collision-retry loop so a pathologically
// saturated registry fails loudly instead of spinning forever, the same
// shape as the teacher's evictOldestDisconnectedLocked bounded retry in
// manager.go.
const maxCodeGenAttempts = 32

// generateCode draws codeLength characters independently and uniformly
// from codeAlphabet.
func generateCode() (string, error) {
	// Bytes at or above limit (the largest multiple of the alphabet size
	// that fits in a byte) are redrawn, so every character is equally likely.
	limit := 256 - 256%len(codeAlphabet)
	buf := make([]byte, 0, codeLength)
	var b [1]byte
	for len(buf) < codeLength {
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		if int(b[0]) >= limit {
			continue
		}
		buf = append(buf, codeAlphabet[int(b[0])%len(codeAlphabet)])
	}
	return string(buf), nil
}

// generateUniqueCode draws codes until one is absent from taken, retrying
// on collision up to maxCodeGenAttempts times. Collisions are astronomically
// rare (1-in-7.3e8 per draw) so this is a plain counted loop rather than a
// timed backoff: a saturated registry should fail immediately, not after
// sleeping between redraws.
func generateUniqueCode(taken func(code string) bool) (string, error) {
	for attempt := 0; attempt < maxCodeGenAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		if !taken(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate unique code: exhausted %d attempts, registry likely saturated", maxCodeGenAttempts)
}
