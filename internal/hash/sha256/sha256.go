// Package sha256 fingerprints document content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher computes content hashes over normalized text.
type Hasher struct{}

// New returns a SHA-256 content hasher.
func New() *Hasher {
	return &Hasher{}
}

// Normalize lowercases text and collapses whitespace runs to a single space,
// so markup-only and spacing-only differences hash identically.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Hash returns the hex digest of data as-is.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashContent normalizes text and returns its digest along with the normalized form.
func (h *Hasher) HashContent(text string) (string, string) {
	normalized := Normalize(text)
	return h.Hash([]byte(normalized)), normalized
}
