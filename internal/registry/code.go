package registry

import (
	"fmt"
	"strings"
)

// CanonicalizeCode upper-cases code and rejects any character outside
// codeAlphabet, per spec.md §4.2's join algorithm ("Canonicalize input
// to uppercase; reject non-alphabet characters").
func CanonicalizeCode(code string) (string, error) {
	upper := strings.ToUpper(code)
	if len(upper) != codeLength {
		return "", fmt.Errorf("code must be %d characters, got %d", codeLength, len(upper))
	}
	for _, c := range upper {
		if !strings.ContainsRune(codeAlphabet, c) {
			return "", fmt.Errorf("code contains invalid character %q", c)
		}
	}
	return upper, nil
}
