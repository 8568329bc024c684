// Package fingerprint derives the deterministic dedup and cache keys for
// analysis requests. All functions are pure: identical inputs always produce
// identical keys, and any strategy-version bump changes them.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Canonicalize normalizes a subject identifier for hashing: surrounding
// whitespace is stripped, interior whitespace runs collapse to one space,
// and casing is Unicode-folded so visually identical ids compare equal.
func Canonicalize(subjectID string) string {
	fields := strings.Fields(subjectID)
	if len(fields) == 0 {
		return ""
	}
	joined := strings.Join(fields, " ")
	return cases.Fold().String(joined)
}

// VersionHash returns the SHA-256 hex digest of the pipeline strategy version
// combined with the canonical parameter serialization.
func VersionHash(strategyVersion string, params map[string]string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(strategyVersion)))
	h.Write([]byte{'\n'})
	h.Write([]byte(encodeParams(params)))
	return hex.EncodeToString(h.Sum(nil))
}

// CacheKey builds the composite "{subject}:{version_hash}" key. The subject
// half stays readable for debugging; the hash half pins the strategy version
// and parameters.
func CacheKey(subjectID, strategyVersion string, params map[string]string) string {
	return Canonicalize(subjectID) + ":" + VersionHash(strategyVersion, params)
}

// Compute returns the request fingerprint: the SHA-256 hex digest of the
// cache key. Fixed length, safe as a database key and a filename.
func Compute(subjectID, strategyVersion string, params map[string]string) string {
	sum := sha256.Sum256([]byte(CacheKey(subjectID, strategyVersion, params)))
	return hex.EncodeToString(sum[:])
}

// encodeParams serializes params as sorted "k=v" pairs joined by "&" so maps
// with identical contents always hash identically.
func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, key := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(strings.TrimSpace(key))
		sb.WriteByte('=')
		sb.WriteString(strings.TrimSpace(params[key]))
	}
	return sb.String()
}
