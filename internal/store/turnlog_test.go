package store_test

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/anansitrading/cxdb/internal/store"
)

func TestTurnLogAppendAndGet(t *testing.T) {
	log := zerolog.New(io.Discard)
	tl, err := store.OpenTurnLog(t.TempDir(), log)
	require.NoError(t, err)
	defer tl.Close()

	digest := store.ComputeDigest([]byte("payload"))
	turn := &store.Turn{
		ContextID:              1,
		ParentTurnID:           0,
		Depth:                  1,
		DeclaredTypeID:         "com.example.Message",
		DeclaredTypeVersion:    1,
		PayloadEncoding:        store.EncodingMsgpack,
		PayloadUncompressedLen: 7,
		PayloadDigest:          digest,
		CreatedAtUnixMS:        store.NowUnixMS(),
	}

	id, err := tl.AppendTurn(turn)
	require.NoError(t, err)
	require.EqualValues(t, 1, id)

	got, err := tl.GetTurn(id)
	require.NoError(t, err)
	require.Equal(t, turn.ContextID, got.ContextID)
	require.Equal(t, turn.DeclaredTypeID, got.DeclaredTypeID)
	require.Equal(t, digest, got.PayloadDigest)
}

func TestTurnLogIterateContextOrdering(t *testing.T) {
	log := zerolog.New(io.Discard)
	tl, err := store.OpenTurnLog(t.TempDir(), log)
	require.NoError(t, err)
	defer tl.Close()

	var ids []store.TurnID
	for i := 0; i < 5; i++ {
		id, err := tl.AppendTurn(&store.Turn{ContextID: 1, Depth: uint32(i + 1)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	oldest, err := tl.IterateContext(1, 3, store.Oldest)
	require.NoError(t, err)
	require.Len(t, oldest, 3)
	require.Equal(t, ids[2], oldest[0].TurnID)
	require.Equal(t, ids[4], oldest[2].TurnID)

	newest, err := tl.IterateContext(1, 3, store.Newest)
	require.NoError(t, err)
	require.Equal(t, ids[4], newest[0].TurnID)
}

func TestTurnLogRebuildsIndexAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(io.Discard)

	tl, err := store.OpenTurnLog(dir, log)
	require.NoError(t, err)

	id, err := tl.AppendTurn(&store.Turn{ContextID: 1, Depth: 1, DeclaredTypeID: "t"})
	require.NoError(t, err)
	require.NoError(t, tl.Close())

	reopened, err := store.OpenTurnLog(dir, log)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetTurn(id)
	require.NoError(t, err)
	require.Equal(t, "t", got.DeclaredTypeID)
	require.True(t, reopened.Exists(id))
}
