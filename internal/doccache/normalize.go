package doccache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize canonicalizes protocol text so that cosmetic differences
// (compatibility forms, letter case, whitespace layout) map to one form.
func Normalize(text string) string {
	s := norm.NFKC.String(text)
	// Casers carry state, so each call gets its own.
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint returns the hex SHA-256 of already-normalized text.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// FingerprintText normalizes and fingerprints raw text.
func FingerprintText(text string) string {
	return Fingerprint(Normalize(text))
}
