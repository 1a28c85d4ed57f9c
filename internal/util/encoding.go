package util

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFKD form of s. Passwords go through it before key
// derivation so that equivalent Unicode spellings open the same key.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// Fingerprint returns the hex SHA-256 digest of der.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return HexEncode(sum[:])
}
