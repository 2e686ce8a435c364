// Package store implements CXDB's storage engine: the content-addressed
// blob store, the append-only turn log and its in-memory index, and the
// durable head table. Adapted from the teacher's pkg/content (CID/chunk
// addressing) and pkg/control (server dispatch) idioms.
package store

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// DigestSize is the size of a CXDB content digest in bytes (spec.md §3).
const DigestSize = 32

// Digest is the 256-bit BLAKE3 digest of a blob's uncompressed bytes.
type Digest [DigestSize]byte

// ComputeDigest hashes data with BLAKE3-256, CXDB's content digest
// algorithm (grounded in the teacher's content.NewCID and in the
// cxdb_sink.go.go reference client, which hashes artifacts with blake3).
func ComputeDigest(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// String returns the lowercase hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes a hex-encoded digest string.
func ParseDigest(s string) (Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid digest hex: %w", err)
	}
	if len(raw) != DigestSize {
		return Digest{}, fmt.Errorf("invalid digest length: got %d, want %d", len(raw), DigestSize)
	}
	var d Digest
	copy(d[:], raw)
	return d, nil
}
