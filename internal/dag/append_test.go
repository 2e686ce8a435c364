package dag_test

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/anansitrading/cxdb/internal/apierr"
	"github.com/anansitrading/cxdb/internal/dag"
	"github.com/anansitrading/cxdb/internal/store"
)

func newTestEngine(t *testing.T) *dag.Engine {
	t.Helper()
	log := zerolog.New(io.Discard)
	dir := t.TempDir()

	blobs, err := store.OpenBlobStore(dir+"/blobs", 3, 10*1024*1024, log)
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	turns, err := store.OpenTurnLog(dir+"/turns", log)
	require.NoError(t, err)
	t.Cleanup(func() { turns.Close() })

	heads, err := store.OpenHeadTable(dir+"/heads", log)
	require.NoError(t, err)
	t.Cleanup(func() { heads.Close() })

	idemp, err := store.OpenIdempotencyStore(dir+"/idemp", time.Hour, log)
	require.NoError(t, err)
	t.Cleanup(func() { idemp.Close() })

	return dag.NewEngine(blobs, turns, heads, idemp, log)
}

// S1. Create + append + read.
func TestScenarioCreateAppendRead(t *testing.T) {
	e := newTestEngine(t)

	head, err := e.CtxCreate(0)
	require.NoError(t, err)
	require.EqualValues(t, 1, head.ContextID)
	require.EqualValues(t, 0, head.HeadTurn)
	require.EqualValues(t, 0, head.HeadDepth)

	payload := []byte("hello cxdb")
	digest := store.ComputeDigest(payload)

	result, err := e.Append(&dag.AppendRequest{
		ContextID:           head.ContextID,
		ParentTurnID:        0,
		DeclaredTypeID:      "com.example.Message",
		DeclaredTypeVersion: 1,
		Encoding:            store.EncodingMsgpack,
		Compression:         store.CompressionNone,
		UncompressedLen:     uint32(len(payload)),
		PayloadDigest:       digest,
		Payload:             payload,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, result.ContextID)
	require.EqualValues(t, 1, result.TurnID)
	require.EqualValues(t, 1, result.Depth)

	turns, err := e.GetLast(head.ContextID, 10, true)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.EqualValues(t, 1, turns[0].TurnID)
	require.EqualValues(t, 1, turns[0].Depth)
	require.Equal(t, "com.example.Message", turns[0].DeclaredTypeID)
	require.Equal(t, digest, turns[0].PayloadDigest)
	require.Equal(t, payload, turns[0].Payload)
}

// S2. Digest mismatch is rejected and leaves no trace.
func TestScenarioDigestMismatch(t *testing.T) {
	e := newTestEngine(t)

	head, err := e.CtxCreate(0)
	require.NoError(t, err)

	payload := []byte("hello cxdb")
	goodDigest := store.ComputeDigest(payload)
	badDigest := goodDigest
	badDigest[0] ^= 0xFF

	_, err = e.Append(&dag.AppendRequest{
		ContextID:           head.ContextID,
		DeclaredTypeID:      "com.example.Message",
		DeclaredTypeVersion: 1,
		Encoding:            store.EncodingMsgpack,
		UncompressedLen:     uint32(len(payload)),
		PayloadDigest:       badDigest,
		Payload:             payload,
	})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeBadDigest, apiErr.Code)

	// A legitimate append still succeeds afterwards, and GET_LAST still
	// reports exactly the one real turn.
	_, err = e.Append(&dag.AppendRequest{
		ContextID:           head.ContextID,
		DeclaredTypeID:      "com.example.Message",
		DeclaredTypeVersion: 1,
		Encoding:            store.EncodingMsgpack,
		UncompressedLen:     uint32(len(payload)),
		PayloadDigest:       goodDigest,
		Payload:             payload,
	})
	require.NoError(t, err)

	turns, err := e.GetLast(head.ContextID, 10, false)
	require.NoError(t, err)
	require.Len(t, turns, 1)
}

// S3. Fork is O(1): no additional blob or turn is written.
func TestScenarioForkIsConstantTime(t *testing.T) {
	e := newTestEngine(t)

	head, err := e.CtxCreate(0)
	require.NoError(t, err)

	payload := []byte("hello cxdb")
	digest := store.ComputeDigest(payload)

	result, err := e.Append(&dag.AppendRequest{
		ContextID:           head.ContextID,
		DeclaredTypeID:      "com.example.Message",
		DeclaredTypeVersion: 1,
		Encoding:            store.EncodingMsgpack,
		UncompressedLen:     uint32(len(payload)),
		PayloadDigest:       digest,
		Payload:             payload,
	})
	require.NoError(t, err)

	blobsBefore := e.Blobs.Len()
	turnsBefore := countTurns(t, e, head.ContextID)

	forked, err := e.CtxFork(head.ContextID, result.TurnID)
	require.NoError(t, err)
	require.EqualValues(t, 2, forked.ContextID)
	require.Equal(t, result.TurnID, forked.HeadTurn)
	require.EqualValues(t, 1, forked.HeadDepth)

	require.Equal(t, blobsBefore, e.Blobs.Len())
	require.Equal(t, turnsBefore, countTurns(t, e, head.ContextID))
}

// S4. Idempotent append: a retried APPEND with the same key returns the
// original turn id without creating a second turn.
func TestScenarioIdempotentAppend(t *testing.T) {
	e := newTestEngine(t)

	head, err := e.CtxCreate(0)
	require.NoError(t, err)

	payload := []byte("hello cxdb")
	digest := store.ComputeDigest(payload)

	req := &dag.AppendRequest{
		ContextID:           head.ContextID,
		DeclaredTypeID:      "com.example.Message",
		DeclaredTypeVersion: 1,
		Encoding:            store.EncodingMsgpack,
		UncompressedLen:     uint32(len(payload)),
		PayloadDigest:       digest,
		Payload:             payload,
		IdempotencyKey:      []byte("k1"),
	}

	first, err := e.Append(req)
	require.NoError(t, err)

	second, err := e.Append(req)
	require.NoError(t, err)
	require.Equal(t, first.TurnID, second.TurnID)

	turns, err := e.GetLast(head.ContextID, 10, false)
	require.NoError(t, err)
	require.Len(t, turns, 1)
}

func countTurns(t *testing.T, e *dag.Engine, contextID store.ContextID) int {
	t.Helper()
	turns, err := e.GetLast(contextID, 0, false)
	require.NoError(t, err)
	return len(turns)
}

