package store

import "time"

// TurnID is a dense, monotone, globally unique turn identifier
// (spec.md §3). 0 is never a valid turn id; it is reserved to mean
// "no parent" / "empty context".
type TurnID uint64

// ContextID identifies a context (a mutable head pointer into the DAG).
type ContextID uint64

// PayloadEncoding enumerates the supported turn payload encodings.
type PayloadEncoding uint32

const (
	EncodingMsgpack PayloadEncoding = 1
)

// PayloadCompression enumerates the supported payload compression codecs.
type PayloadCompression uint32

const (
	CompressionNone PayloadCompression = 0
	CompressionZstd PayloadCompression = 1
)

// Turn is an immutable record in the conversation DAG (spec.md §3).
type Turn struct {
	TurnID                 TurnID
	ContextID              ContextID
	ParentTurnID           TurnID
	Depth                  uint32
	DeclaredTypeID         string
	DeclaredTypeVersion    uint32
	PayloadEncoding        PayloadEncoding
	PayloadCompression     PayloadCompression
	PayloadUncompressedLen uint32
	PayloadDigest          Digest
	FSRootDigest           *Digest
	CreatedAtUnixMS        uint64
	IdempotencyKey         []byte

	// Payload is populated on demand (e.g. by GetLast with
	// include_payload=true) and is never part of the durable record.
	Payload []byte
}

// NowUnixMS returns the current time as Unix milliseconds, the timestamp
// unit used throughout CXDB's on-disk and wire formats.
func NowUnixMS() uint64 {
	return uint64(time.Now().UnixMilli())
}
