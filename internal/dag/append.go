// Package dag implements CXDB's append protocol and DAG semantics
// (spec.md §4.4): it is the engine that ties the blob store, turn log,
// head table and idempotency store together into the seven-step append
// algorithm, plus O(1) context forking. Grounded in the teacher's
// pkg/control dispatch style, which centralizes protocol-level validation
// ahead of a durable write.
package dag

import (
	"github.com/rs/zerolog"

	"github.com/anansitrading/cxdb/internal/apierr"
	"github.com/anansitrading/cxdb/internal/store"
)

// Engine is CXDB's storage-engine façade: every binary-protocol and
// HTTP handler that mutates or reads the turn DAG goes through it.
type Engine struct {
	Blobs *store.BlobStore
	Turns *store.TurnLog
	Heads *store.HeadTable
	Idemp *store.IdempotencyStore
	log   zerolog.Logger
}

// NewEngine wires the four storage primitives into an Engine.
func NewEngine(blobs *store.BlobStore, turns *store.TurnLog, heads *store.HeadTable, idemp *store.IdempotencyStore, log zerolog.Logger) *Engine {
	return &Engine{Blobs: blobs, Turns: turns, Heads: heads, Idemp: idemp, log: log.With().Str("component", "dag").Logger()}
}

// HeadInfo is the (context_id, head_turn_id, head_depth) triple returned
// by CTX_CREATE, CTX_FORK and GET_HEAD (spec.md §4.7).
type HeadInfo struct {
	ContextID ContextID
	HeadTurn  TurnID
	HeadDepth uint32
}

// Type aliases so call sites in this package read naturally without a
// store. qualifier on every turn/context id.
type (
	TurnID    = store.TurnID
	ContextID = store.ContextID
)

// CtxCreate allocates a new context whose head starts at baseTurnID (0
// for an empty context). If baseTurnID is non-zero it must already exist.
func (e *Engine) CtxCreate(baseTurnID TurnID) (*HeadInfo, error) {
	var baseDepth uint32
	if baseTurnID != 0 {
		d, ok := e.Turns.Depth(baseTurnID)
		if !ok {
			return nil, apierr.NotFound("base turn %d not found", baseTurnID)
		}
		baseDepth = d
	}

	contextID, err := e.Heads.NextContextID()
	if err != nil {
		return nil, err
	}

	if err := e.Heads.ForkContext(contextID, baseTurnID); err != nil {
		return nil, err
	}

	return &HeadInfo{ContextID: contextID, HeadTurn: baseTurnID, HeadDepth: baseDepth}, nil
}

// CtxFork creates a new context rooted at atTurnID within parentContext,
// with no copying: only a new head pointer is written (spec.md §4.4,
// §1's "O(1) forking" requirement).
func (e *Engine) CtxFork(parentContext ContextID, atTurnID TurnID) (*HeadInfo, error) {
	if _, _, found, err := e.headOf(parentContext); err != nil {
		return nil, err
	} else if !found {
		return nil, apierr.NotFound("context %d not found", parentContext)
	}

	var depth uint32
	if atTurnID != 0 {
		d, ok := e.Turns.Depth(atTurnID)
		if !ok {
			return nil, apierr.NotFound("turn %d not found", atTurnID)
		}
		depth = d
	}

	contextID, err := e.Heads.NextContextID()
	if err != nil {
		return nil, err
	}

	if err := e.Heads.ForkContext(contextID, atTurnID); err != nil {
		return nil, err
	}

	return &HeadInfo{ContextID: contextID, HeadTurn: atTurnID, HeadDepth: depth}, nil
}

func (e *Engine) headOf(contextID ContextID) (TurnID, uint32, bool, error) {
	head, found, err := e.Heads.Get(contextID)
	if err != nil {
		return 0, 0, false, err
	}
	if !found {
		return 0, 0, false, nil
	}
	if head == 0 {
		return 0, 0, true, nil
	}
	depth, ok := e.Turns.Depth(head)
	if !ok {
		return 0, 0, false, apierr.Corrupted("head turn %d for context %d missing from log", head, contextID)
	}
	return head, depth, true, nil
}

// GetHead returns the current head triple for contextID.
func (e *Engine) GetHead(contextID ContextID) (*HeadInfo, error) {
	head, depth, found, err := e.headOf(contextID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.NotFound("context %d not found", contextID)
	}
	return &HeadInfo{ContextID: contextID, HeadTurn: head, HeadDepth: depth}, nil
}

// AppendRequest carries the inputs to Append, mirroring the APPEND wire
// message payload (spec.md §4.7) independent of transport. FSRootDigest
// is optional: a turn that snapshots a filesystem tree (spec.md §4.6)
// attaches the tree's root digest directly on the append that creates
// it, rather than requiring a separate attach step.
type AppendRequest struct {
	ContextID           ContextID
	ParentTurnID        TurnID
	DeclaredTypeID      string
	DeclaredTypeVersion uint32
	Encoding            store.PayloadEncoding
	Compression         store.PayloadCompression
	UncompressedLen     uint32
	PayloadDigest       store.Digest
	Payload             []byte
	IdempotencyKey      []byte
	FSRootDigest        *store.Digest
}

// AppendResult is the (context_id, turn_id, depth) triple returned by a
// successful append (spec.md §4.4 step 7).
type AppendResult struct {
	ContextID ContextID
	TurnID    TurnID
	Depth     uint32
}

// Append runs the seven-step append algorithm of spec.md §4.4.
func (e *Engine) Append(req *AppendRequest) (*AppendResult, error) {
	// Step 1: validate.
	head, headDepth, found, err := e.headOf(req.ContextID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.NotFound("context %d not found", req.ContextID)
	}

	var parentDepth uint32
	if req.ParentTurnID != 0 {
		d, ok := e.Turns.Depth(req.ParentTurnID)
		if !ok {
			return nil, apierr.BadRequest("parent turn %d not found", req.ParentTurnID)
		}
		parentCtx, _ := e.Turns.ContextOf(req.ParentTurnID)
		if parentCtx != req.ContextID {
			// A shared ancestor via fork is reachable if it predates the
			// fork point; heads.ForkContext records base_turn_id as the
			// initial head, so a turn from another context is accepted as
			// parent when its depth is at or below this context's current
			// head depth.
			if d > headDepth {
				return nil, apierr.BadRequest("parent turn %d is not reachable from context %d", req.ParentTurnID, req.ContextID)
			}
		}
		parentDepth = d
	}

	computed := store.ComputeDigest(req.Payload)
	if computed != req.PayloadDigest {
		return nil, apierr.BadDigest("declared payload digest does not match provided bytes")
	}
	if uint32(len(req.Payload)) != req.UncompressedLen {
		return nil, apierr.BadRequest("declared uncompressed length %d does not match payload length %d", req.UncompressedLen, len(req.Payload))
	}

	// Step 2: idempotency.
	if len(req.IdempotencyKey) > 0 {
		if existingID, ok, err := e.Idemp.Lookup(req.ContextID, req.IdempotencyKey); err != nil {
			return nil, err
		} else if ok {
			existing, err := e.Turns.GetTurn(existingID)
			if err != nil {
				return nil, err
			}
			return &AppendResult{ContextID: existing.ContextID, TurnID: existing.TurnID, Depth: existing.Depth}, nil
		}
	}

	// Step 3: blob insert.
	storedDigest, err := e.Blobs.Put(req.Payload)
	if err != nil {
		return nil, err
	}
	if storedDigest != req.PayloadDigest {
		return nil, apierr.BadDigest("blob store computed digest %s, claimed %s", storedDigest, req.PayloadDigest)
	}

	// Step 4: determine new depth.
	var newDepth uint32
	if req.ParentTurnID == 0 {
		newDepth = headDepth + 1
	} else {
		newDepth = parentDepth + 1
	}

	// Step 5: allocate turn id, write durably, index.
	turn := &store.Turn{
		ContextID:              req.ContextID,
		ParentTurnID:           req.ParentTurnID,
		Depth:                  newDepth,
		DeclaredTypeID:         req.DeclaredTypeID,
		DeclaredTypeVersion:    req.DeclaredTypeVersion,
		PayloadEncoding:        req.Encoding,
		PayloadCompression:     req.Compression,
		PayloadUncompressedLen: req.UncompressedLen,
		PayloadDigest:          req.PayloadDigest,
		FSRootDigest:           req.FSRootDigest,
		CreatedAtUnixMS:        store.NowUnixMS(),
		IdempotencyKey:         req.IdempotencyKey,
	}

	turnID, err := e.Turns.AppendTurn(turn)
	if err != nil {
		return nil, err
	}

	// Step 6: CAS-advance the head. If parent_turn_id was explicit and
	// differs from the current head, this is a local branch: it must
	// not move the context's head forward.
	if req.ParentTurnID == 0 || req.ParentTurnID == head {
		if err := e.Heads.AdvanceHead(req.ContextID, head, turnID); err != nil {
			return nil, err
		}
	}

	if len(req.IdempotencyKey) > 0 {
		if err := e.Idemp.Record(req.ContextID, req.IdempotencyKey, turnID); err != nil {
			e.log.Warn().Err(err).Msg("failed to record idempotency entry after successful append")
		}
	}

	// Step 7: respond.
	return &AppendResult{ContextID: req.ContextID, TurnID: turnID, Depth: newDepth}, nil
}

// GetLast returns up to limit turns for contextID in chronological
// (oldest-first) order, matching GET_LAST's wire reply ordering
// (spec.md §4.7); a limit <= 0 returns every turn of the context. When
// includePayload is false, Payload is left nil.
func (e *Engine) GetLast(contextID ContextID, limit int, includePayload bool) ([]*store.Turn, error) {
	if _, _, found, err := e.headOf(contextID); err != nil {
		return nil, err
	} else if !found {
		return nil, apierr.NotFound("context %d not found", contextID)
	}

	turns, err := e.Turns.IterateContext(contextID, limit, store.Oldest)
	if err != nil {
		return nil, err
	}

	if includePayload {
		for _, t := range turns {
			payload, err := e.Blobs.Get(t.PayloadDigest)
			if err != nil {
				return nil, err
			}
			t.Payload = payload
		}
	}

	return turns, nil
}

// GetBlob returns the raw bytes for digest, verifying on read
// (spec.md §4.1).
func (e *Engine) GetBlob(digest store.Digest) ([]byte, error) {
	return e.Blobs.Get(digest)
}
