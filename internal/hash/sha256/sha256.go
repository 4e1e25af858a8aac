// Package sha256 derives article identity and change-detection digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint identifies an article by agency and canonical URL. It is the
// stored unique_id.
func Fingerprint(agency, canonicalURL string) string {
	return digest(strings.TrimSpace(agency) + "|" + strings.TrimSpace(canonicalURL))
}

// ContentHash digests the fields whose change counts as a real revision.
func ContentHash(title, body string) string {
	return digest(strings.TrimSpace(title) + "\n" + strings.TrimSpace(body))
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
