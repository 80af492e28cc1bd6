package fp

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// NormalizeDestination trims whitespace and cleans the path using
// filepath.Clean. On Unix (case-sensitive) paths are not lowercased.
func NormalizeDestination(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	return filepath.Clean(p)
}

// Fingerprint computes a stable hex-encoded SHA-256 over the normalized
// destination path. Two enqueue requests targeting the same on-disk file
// produce the same fingerprint, which the coordinator uses to reject
// destination collisions among in-flight tasks.
func Fingerprint(destination string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeDestination(destination)))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}
