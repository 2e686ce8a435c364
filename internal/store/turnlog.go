package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/anansitrading/cxdb/internal/apierr"
	"github.com/anansitrading/cxdb/internal/codec/canon"
)

// ErrTruncatedLog is returned by OpenTurnLog when the final record of the
// turn log is incomplete, per spec.md §4.2/§7: the server must refuse to
// start rather than silently drop tail turns.
type ErrTruncatedLog struct {
	Offset int64
}

func (e *ErrTruncatedLog) Error() string {
	return fmt.Sprintf("turn log: truncated final record at offset %d", e.Offset)
}

// turnIndexEntry is the in-memory metadata kept for a durable turn,
// avoiding a log read for the common metadata-only access path
// (spec.md §4.2).
type turnIndexEntry struct {
	Offset                 int64
	ParentTurnID           TurnID
	ContextID              ContextID
	Depth                  uint32
	DeclaredTypeID         string
	DeclaredTypeVersion    uint32
	PayloadDigest          Digest
	FSRootDigest           *Digest
	PayloadUncompressedLen uint32
}

// TurnLog is CXDB's append-only, ordered record of all turns plus its
// rebuildable in-memory index (spec.md §4.2).
type TurnLog struct {
	dir string
	log zerolog.Logger

	mu     sync.Mutex
	file   *os.File
	offset int64
	nextID TurnID

	idxMu        sync.RWMutex
	index        map[TurnID]turnIndexEntry
	contextTurns map[ContextID][]TurnID
}

type turnRecord struct {
	TurnID                 TurnID             `msgpack:"turn_id"`
	ContextID              ContextID          `msgpack:"context_id"`
	ParentTurnID           TurnID             `msgpack:"parent_turn_id"`
	Depth                  uint32             `msgpack:"depth"`
	DeclaredTypeID         string             `msgpack:"declared_type_id"`
	DeclaredTypeVersion    uint32             `msgpack:"declared_type_version"`
	PayloadEncoding        PayloadEncoding    `msgpack:"payload_encoding"`
	PayloadCompression     PayloadCompression `msgpack:"payload_compression"`
	PayloadUncompressedLen uint32             `msgpack:"payload_uncompressed_len"`
	PayloadDigest          Digest             `msgpack:"payload_digest"`
	FSRootDigest           *Digest            `msgpack:"fs_root_digest,omitempty"`
	CreatedAtUnixMS        uint64             `msgpack:"created_at_unix_ms"`
	IdempotencyKey         []byte             `msgpack:"idempotency_key,omitempty"`
}

// OpenTurnLog opens (creating if necessary) the turn log under dir and
// rebuilds its in-memory index by streaming the log from the start.
func OpenTurnLog(dir string, log zerolog.Logger) (*TurnLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("turn log: mkdir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "log.bin"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("turn log: open: %w", err)
	}

	tl := &TurnLog{
		dir:  dir,
		log:  log.With().Str("component", "turnlog").Logger(),
		file: f,
		// 0 is reserved to mean "no parent" (store/turn.go); the first
		// turn ever appended to a fresh log must be assigned 1.
		nextID:       1,
		index:        make(map[TurnID]turnIndexEntry),
		contextTurns: make(map[ContextID][]TurnID),
	}

	if err := tl.rebuild(); err != nil {
		f.Close()
		return nil, err
	}

	return tl, nil
}

func (tl *TurnLog) rebuild() error {
	info, err := tl.file.Stat()
	if err != nil {
		return fmt.Errorf("turn log: stat: %w", err)
	}
	size := info.Size()

	var offset int64
	for offset < size {
		var lenBuf [4]byte
		if _, err := tl.file.ReadAt(lenBuf[:], offset); err != nil {
			return &ErrTruncatedLog{Offset: offset}
		}
		recLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		if offset+4+recLen > size {
			return &ErrTruncatedLog{Offset: offset}
		}

		body := make([]byte, recLen)
		if _, err := tl.file.ReadAt(body, offset+4); err != nil {
			return &ErrTruncatedLog{Offset: offset}
		}

		var rec turnRecord
		if err := canon.Unmarshal(body, &rec); err != nil {
			return &ErrTruncatedLog{Offset: offset}
		}

		tl.index[rec.TurnID] = turnIndexEntry{
			Offset:                 offset,
			ParentTurnID:           rec.ParentTurnID,
			ContextID:              rec.ContextID,
			Depth:                  rec.Depth,
			DeclaredTypeID:         rec.DeclaredTypeID,
			DeclaredTypeVersion:    rec.DeclaredTypeVersion,
			PayloadDigest:          rec.PayloadDigest,
			FSRootDigest:           rec.FSRootDigest,
			PayloadUncompressedLen: rec.PayloadUncompressedLen,
		}
		tl.contextTurns[rec.ContextID] = append(tl.contextTurns[rec.ContextID], rec.TurnID)
		if rec.TurnID >= tl.nextID {
			tl.nextID = rec.TurnID + 1
		}

		offset += 4 + recLen
	}

	tl.offset = offset
	return nil
}

// AppendTurn assigns the next turn id, durably writes the record, inserts
// it into the in-memory index, and returns the assigned id
// (spec.md §4.2: "Fails only if the underlying write fails; in that case
// no id is published").
func (tl *TurnLog) AppendTurn(t *Turn) (TurnID, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	id := tl.nextID
	rec := turnRecord{
		TurnID:                 id,
		ContextID:              t.ContextID,
		ParentTurnID:           t.ParentTurnID,
		Depth:                  t.Depth,
		DeclaredTypeID:         t.DeclaredTypeID,
		DeclaredTypeVersion:    t.DeclaredTypeVersion,
		PayloadEncoding:        t.PayloadEncoding,
		PayloadCompression:     t.PayloadCompression,
		PayloadUncompressedLen: t.PayloadUncompressedLen,
		PayloadDigest:          t.PayloadDigest,
		FSRootDigest:           t.FSRootDigest,
		CreatedAtUnixMS:        t.CreatedAtUnixMS,
		IdempotencyKey:         t.IdempotencyKey,
	}

	body, err := canon.Marshal(rec)
	if err != nil {
		return 0, apierr.Internal(err, "turn log: encode record")
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))

	writeOffset := tl.offset
	if _, err := tl.file.WriteAt(lenBuf[:], writeOffset); err != nil {
		return 0, apierr.Internal(err, "turn log: write length prefix")
	}
	if _, err := tl.file.WriteAt(body, writeOffset+4); err != nil {
		return 0, apierr.Internal(err, "turn log: write record")
	}
	if err := tl.file.Sync(); err != nil {
		return 0, apierr.Internal(err, "turn log: sync")
	}

	tl.offset = writeOffset + 4 + int64(len(body))
	tl.nextID = id + 1

	tl.idxMu.Lock()
	tl.index[id] = turnIndexEntry{
		Offset:                 writeOffset,
		ParentTurnID:           t.ParentTurnID,
		ContextID:              t.ContextID,
		Depth:                  t.Depth,
		DeclaredTypeID:         t.DeclaredTypeID,
		DeclaredTypeVersion:    t.DeclaredTypeVersion,
		PayloadDigest:          t.PayloadDigest,
		FSRootDigest:           t.FSRootDigest,
		PayloadUncompressedLen: t.PayloadUncompressedLen,
	}
	tl.contextTurns[t.ContextID] = append(tl.contextTurns[t.ContextID], id)
	tl.idxMu.Unlock()

	return id, nil
}

// GetTurn returns the full durable record for turnID, reading it from the
// log at the offset recorded in the in-memory index (O(1) per spec.md §4.2).
func (tl *TurnLog) GetTurn(turnID TurnID) (*Turn, error) {
	tl.idxMu.RLock()
	entry, ok := tl.index[turnID]
	tl.idxMu.RUnlock()
	if !ok {
		return nil, apierr.NotFound("turn %d not found", turnID)
	}

	var lenBuf [4]byte
	if _, err := tl.file.ReadAt(lenBuf[:], entry.Offset); err != nil {
		return nil, apierr.Internal(err, "turn log: read length prefix for turn %d", turnID)
	}
	recLen := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, recLen)
	if _, err := tl.file.ReadAt(body, entry.Offset+4); err != nil {
		return nil, apierr.Internal(err, "turn log: read record for turn %d", turnID)
	}

	var rec turnRecord
	if err := canon.Unmarshal(body, &rec); err != nil {
		return nil, apierr.Corrupted("turn log: decode turn %d: %v", turnID, err)
	}

	return &Turn{
		TurnID:                 rec.TurnID,
		ContextID:              rec.ContextID,
		ParentTurnID:           rec.ParentTurnID,
		Depth:                  rec.Depth,
		DeclaredTypeID:         rec.DeclaredTypeID,
		DeclaredTypeVersion:    rec.DeclaredTypeVersion,
		PayloadEncoding:        rec.PayloadEncoding,
		PayloadCompression:     rec.PayloadCompression,
		PayloadUncompressedLen: rec.PayloadUncompressedLen,
		PayloadDigest:          rec.PayloadDigest,
		FSRootDigest:           rec.FSRootDigest,
		CreatedAtUnixMS:        rec.CreatedAtUnixMS,
		IdempotencyKey:         rec.IdempotencyKey,
	}, nil
}

// Direction controls iteration order for IterateContext.
type Direction int

const (
	Newest Direction = iota
	Oldest
)

// IterateContext returns up to limit turns belonging to contextID (all of
// them when limit <= 0), without scanning the whole log (spec.md §4.2).
// The most recent turns are kept. Direction Oldest returns them in
// chronological (ascending turn id) order, matching GET_LAST's reply
// ordering requirement (spec.md §4.7).
func (tl *TurnLog) IterateContext(contextID ContextID, limit int, dir Direction) ([]*Turn, error) {
	tl.idxMu.RLock()
	ids := tl.contextTurns[contextID]
	idsCopy := make([]TurnID, len(ids))
	copy(idsCopy, ids)
	tl.idxMu.RUnlock()

	if limit <= 0 || limit > len(idsCopy) {
		limit = len(idsCopy)
	}
	start := len(idsCopy) - limit
	window := idsCopy[start:]

	turns := make([]*Turn, 0, len(window))
	for _, id := range window {
		t, err := tl.GetTurn(id)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}

	if dir == Newest {
		for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
			turns[i], turns[j] = turns[j], turns[i]
		}
	}

	return turns, nil
}

// Depth returns the durable depth of turnID, or 0/false if not found.
func (tl *TurnLog) Depth(turnID TurnID) (uint32, bool) {
	tl.idxMu.RLock()
	defer tl.idxMu.RUnlock()
	entry, ok := tl.index[turnID]
	if !ok {
		return 0, false
	}
	return entry.Depth, true
}

// ContextOf returns the context id the given turn belongs to.
func (tl *TurnLog) ContextOf(turnID TurnID) (ContextID, bool) {
	tl.idxMu.RLock()
	defer tl.idxMu.RUnlock()
	entry, ok := tl.index[turnID]
	if !ok {
		return 0, false
	}
	return entry.ContextID, true
}

// Exists reports whether turnID has a durable record.
func (tl *TurnLog) Exists(turnID TurnID) bool {
	tl.idxMu.RLock()
	defer tl.idxMu.RUnlock()
	_, ok := tl.index[turnID]
	return ok
}

// SizeBytes returns the current size in bytes of the turn log file.
func (tl *TurnLog) SizeBytes() int64 {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.offset
}

// Close closes the underlying log file.
func (tl *TurnLog) Close() error {
	return tl.file.Close()
}

// readAllHeaders counts the records in a log by walking their length
// prefixes, without going through the index. Nothing in the module
// calls it.
func readAllHeaders(r io.ReaderAt, size int64) (int, error) {
	var offset int64
	count := 0
	for offset < size {
		var lenBuf [4]byte
		if _, err := r.ReadAt(lenBuf[:], offset); err != nil {
			return count, err
		}
		recLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		offset += 4 + recLen
		count++
	}
	return count, nil
}
