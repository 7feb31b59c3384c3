package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize collapses runs of whitespace to single spaces and trims the
// ends. Case is preserved.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// HashText is the dedup key for a chunk: SHA-256 of its normalized text, so
// re-splitting the same document yields the same hashes.
func HashText(text string) string {
	return ContentHashHex([]byte(Normalize(text)))
}

// ContentHashHex computes SHA-256 of content and returns the hex string.
func ContentHashHex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
