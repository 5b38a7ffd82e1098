// Package dochash produces and validates the document fingerprints the
// escrow stores in place of appraisal documents. Only the fingerprint ever
// crosses the service boundary; document bytes stay with the document store.
package dochash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
)

const Prefix = "sha256:"

var fingerprintRe = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// SumBytes fingerprints raw document bytes.
func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return Prefix + hex.EncodeToString(sum[:])
}

// SumObject fingerprints the canonical JSON encoding of v. Used for
// structured appraisal payloads so that re-submission of the same content
// yields the same fingerprint.
func SumObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return SumBytes(b), b, nil
}

// Valid reports whether s is a well-formed fingerprint. Lowercase hex
// only; the escrow rejects anything else before touching state.
func Valid(s string) bool {
	return fingerprintRe.MatchString(s)
}
