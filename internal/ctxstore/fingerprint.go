package ctxstore

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/roach88/scenebridge/internal/ir"
)

// Fingerprint is the cheap content fingerprint carried by every script
// entry: "sha1:<hex>" of the UTF-8 source. The editor computes the same
// value, so agents can quote it back as expectedHash.
func Fingerprint(source string) string {
	sum := sha1.Sum([]byte(source))
	return "sha1:" + hex.EncodeToString(sum[:])
}

// StrongHash is a content-addressed BLAKE3 hash, "blake3:<hex>". It is
// requested for high-risk actions that need a stronger collision guarantee
// than Fingerprint.
func StrongHash(source string) string {
	sum := blake3.Sum256([]byte(source))
	return "blake3:" + hex.EncodeToString(sum[:])
}

// entryFingerprint derives the fingerprint of a script entry. Cached source
// always wins over an editor-supplied value; without source the supplied
// value is kept, and failing that the size.
func entryFingerprint(e ir.ScriptEntry) string {
	if e.Source != nil {
		return Fingerprint(*e.Source)
	}
	if e.Fingerprint != "" {
		return e.Fingerprint
	}
	if e.Bytes > 0 {
		return "bytes:" + strconv.Itoa(e.Bytes)
	}
	return "unknown"
}
