package record

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// EmptyContentHash is the fingerprint assigned to records with no
// content. SHA-256 of the empty string, so an empty record is a defined
// value rather than a hashing failure.
const EmptyContentHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// fieldSep separates canonical fields. NUL cannot appear in the content
// of a well-formed record, so the encoding is unambiguous.
const fieldSep = "\x00"

// Hash computes the semantic fingerprint of a record: SHA-256 over the
// content, owning session id, record type, and the modification
// timestamp quantized to the second. Per-device sync metadata (ReadBy,
// DeletedBy, SyncedAt) is deliberately excluded so that the same message
// delivered to two devices hashes identically even when their ack sets
// differ.
func Hash(r Record) string {
	if r.Content == "" {
		return EmptyContentHash
	}

	var b strings.Builder
	b.WriteString(r.Content)
	b.WriteString(fieldSep)
	b.WriteString(r.SessionID)
	b.WriteString(fieldSep)
	b.WriteString(string(r.Type))
	b.WriteString(fieldSep)
	b.WriteString(strconv.FormatInt(r.LastModified.Unix(), 10))

	sum := sha256.Sum256([]byte(b.String()))

	return hex.EncodeToString(sum[:])
}
