// Package toolid normalizes tool-call identifiers into a single namespace so
// tool-result linkage survives provider switches mid-conversation.
package toolid

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// nativePrefix is the normalized tool-call id namespace. It matches the
// Anthropic wire format, which the store treats as native.
const nativePrefix = "toolu_"

// IsNative reports whether id is already in the normalized namespace.
func IsNative(id string) bool {
	return strings.HasPrefix(id, nativePrefix)
}

// Normalize maps an arbitrary provider tool-call id into the native
// namespace. The mapping is deterministic, so the same foreign id always
// maps to the same normalized id across process restarts, and idempotent:
// native ids pass through unchanged.
func Normalize(id string) string {
	if id == "" || IsNative(id) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return nativePrefix + hex.EncodeToString(sum[:12])
}
