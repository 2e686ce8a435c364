package protoserver_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/anansitrading/cxdb/internal/dag"
	"github.com/anansitrading/cxdb/internal/metrics"
	"github.com/anansitrading/cxdb/internal/protoserver"
	"github.com/anansitrading/cxdb/internal/store"
	"github.com/anansitrading/cxdb/pkg/cxdbclient"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	log := zerolog.New(io.Discard)
	dir := t.TempDir()

	blobs, err := store.OpenBlobStore(dir+"/blobs", 3, 10*1024*1024, log)
	require.NoError(t, err)
	turns, err := store.OpenTurnLog(dir+"/turns", log)
	require.NoError(t, err)
	heads, err := store.OpenHeadTable(dir+"/heads", log)
	require.NoError(t, err)
	idemp, err := store.OpenIdempotencyStore(dir+"/idemp", time.Hour, log)
	require.NoError(t, err)

	engine := dag.NewEngine(blobs, turns, heads, idemp, log)
	m := metrics.New()
	srv := protoserver.New(engine, m, 64, 5*time.Second, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, addr)
	t.Cleanup(func() {
		cancel()
		blobs.Close()
		turns.Close()
		heads.Close()
		idemp.Close()
	})

	// Give the listener a moment to bind before tests dial it.
	for i := 0; i < 50; i++ {
		if conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return addr
}

func TestBinaryProtocolAppendAndRead(t *testing.T) {
	addr := startTestServer(t)

	client, err := cxdbclient.Dial(addr, 5*time.Second)
	require.NoError(t, err)
	defer client.Close()

	head, err := client.CtxCreate(0)
	require.NoError(t, err)

	result, err := client.AppendTurn(&cxdbclient.AppendTurnRequest{
		ContextID:   head.ContextID,
		TypeID:      "com.example.Message",
		TypeVersion: 1,
		Encoding:    1,
		Payload:     []byte("hello over the wire"),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, result.TurnID)

	records, err := client.GetLast(head.ContextID, 10, true)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "hello over the wire", string(records[0].Payload))

	blob, err := client.GetBlob(store.ComputeDigest([]byte("hello over the wire")))
	require.NoError(t, err)
	require.Equal(t, "hello over the wire", string(blob))
}

func TestBinaryProtocolAppendWithFSRootDigest(t *testing.T) {
	addr := startTestServer(t)

	client, err := cxdbclient.Dial(addr, 5*time.Second)
	require.NoError(t, err)
	defer client.Close()

	head, err := client.CtxCreate(0)
	require.NoError(t, err)

	fsRoot := store.ComputeDigest([]byte("a fake directory object"))
	_, err = client.AppendTurn(&cxdbclient.AppendTurnRequest{
		ContextID:    head.ContextID,
		TypeID:       "com.example.Snapshot",
		TypeVersion:  1,
		Encoding:     1,
		Payload:      []byte("snapshot turn"),
		FSRootDigest: &fsRoot,
	})
	require.NoError(t, err)

	records, err := client.GetLast(head.ContextID, 10, false)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].HasFSRoot)
	require.Equal(t, [32]byte(fsRoot), records[0].FSRootDigest)
}

func TestBinaryProtocolMissingBlobReturnsRemoteError(t *testing.T) {
	addr := startTestServer(t)

	client, err := cxdbclient.Dial(addr, 5*time.Second)
	require.NoError(t, err)
	defer client.Close()

	head, err := client.CtxCreate(0)
	require.NoError(t, err)

	_, err = client.AppendTurn(&cxdbclient.AppendTurnRequest{
		ContextID:   head.ContextID,
		TypeID:      "com.example.Message",
		TypeVersion: 1,
		Payload:     []byte("x"),
	})
	require.NoError(t, err) // digest computed client-side, so this succeeds

	var remoteErr *cxdbclient.RemoteError
	_, err = client.GetBlob(store.Digest{})
	require.Error(t, err)
	require.ErrorAs(t, err, &remoteErr)
}
