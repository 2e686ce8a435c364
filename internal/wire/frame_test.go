package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anansitrading/cxdb/internal/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello")
	require.NoError(t, wire.WriteFrame(&buf, wire.MsgGetBlob, 42, payload))

	frame, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, wire.MsgGetBlob, frame.MsgType)
	require.EqualValues(t, 42, frame.RequestID)
	require.Equal(t, payload, frame.Payload)
}

func TestAppendRequestRoundTrip(t *testing.T) {
	req := &wire.AppendRequest{
		ContextID:       1,
		ParentTurnID:    0,
		TypeID:          "com.example.Message",
		TypeVersion:     1,
		Encoding:        1,
		Compression:     0,
		UncompressedLen: 5,
		Payload:         []byte("hello"),
		IdempotencyKey:  []byte("k1"),
	}
	req.PayloadDigest[0] = 0xAB

	encoded := wire.EncodeAppendRequest(req)
	decoded, err := wire.DecodeAppendRequest(encoded)
	require.NoError(t, err)
	require.Equal(t, req.ContextID, decoded.ContextID)
	require.Equal(t, req.TypeID, decoded.TypeID)
	require.Equal(t, req.Payload, decoded.Payload)
	require.Equal(t, req.IdempotencyKey, decoded.IdempotencyKey)
	require.Equal(t, req.PayloadDigest, decoded.PayloadDigest)
	require.False(t, decoded.HasFSRoot)
}

func TestAppendRequestWithFSRootRoundTrip(t *testing.T) {
	req := &wire.AppendRequest{
		ContextID:   1,
		TypeID:      "com.example.Snapshot",
		TypeVersion: 1,
		Payload:     []byte("snap"),
		HasFSRoot:   true,
	}
	req.FSRootDigest[0] = 0xCD

	encoded := wire.EncodeAppendRequest(req)
	decoded, err := wire.DecodeAppendRequest(encoded)
	require.NoError(t, err)
	require.True(t, decoded.HasFSRoot)
	require.Equal(t, req.FSRootDigest, decoded.FSRootDigest)
}

func TestGetLastReplyRoundTrip(t *testing.T) {
	fsRoot := [32]byte{}
	fsRoot[0] = 0xEF
	records := []wire.TurnRecord{
		{TurnID: 1, ParentTurnID: 0, Depth: 1, TypeID: "t", TypeVersion: 1, Payload: []byte("a")},
		{TurnID: 2, ParentTurnID: 1, Depth: 2, TypeID: "t", TypeVersion: 1, Payload: nil, HasFSRoot: true, FSRootDigest: fsRoot},
	}
	encoded := wire.EncodeGetLastReply(records)
	decoded, err := wire.DecodeGetLastReply(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.EqualValues(t, 1, decoded[0].TurnID)
	require.Equal(t, []byte("a"), decoded[0].Payload)
	require.False(t, decoded[0].HasFSRoot)
	require.EqualValues(t, 2, decoded[1].TurnID)
	require.True(t, decoded[1].HasFSRoot)
	require.Equal(t, fsRoot, decoded[1].FSRootDigest)
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	e := &wire.ErrorPayload{Code: 2, Detail: "digest mismatch"}
	encoded := wire.EncodeErrorPayload(e)
	decoded, err := wire.DecodeErrorPayload(encoded)
	require.NoError(t, err)
	require.Equal(t, e.Code, decoded.Code)
	require.Equal(t, e.Detail, decoded.Detail)
}
