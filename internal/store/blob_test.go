package store_test

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/anansitrading/cxdb/internal/apierr"
	"github.com/anansitrading/cxdb/internal/store"
)

func TestBlobPutGetRoundTrip(t *testing.T) {
	bs, err := store.OpenBlobStore(t.TempDir(), 3, 1024*1024, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer bs.Close()

	data := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, " +
		"the quick brown fox jumps over the lazy dog, repeated for compressibility")

	digest, err := bs.Put(data)
	require.NoError(t, err)
	require.Equal(t, store.ComputeDigest(data), digest)

	got, err := bs.Get(digest)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestBlobPutIsIdempotentByDigest(t *testing.T) {
	bs, err := store.OpenBlobStore(t.TempDir(), 3, 1024*1024, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer bs.Close()

	data := []byte("duplicate me")
	d1, err := bs.Put(data)
	require.NoError(t, err)
	d2, err := bs.Put(data)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
	require.Equal(t, 1, bs.Len())
}

func TestBlobGetMissingReturnsNotFound(t *testing.T) {
	bs, err := store.OpenBlobStore(t.TempDir(), 3, 1024*1024, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer bs.Close()

	_, err = bs.Get(store.ComputeDigest([]byte("never stored")))
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodeNotFound, apiErr.Code)
}

func TestBlobOversizeRejected(t *testing.T) {
	bs, err := store.OpenBlobStore(t.TempDir(), 3, 8, zerolog.New(io.Discard))
	require.NoError(t, err)
	defer bs.Close()

	_, err = bs.Put([]byte("this payload exceeds the configured cap"))
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.CodePayloadTooLarge, apiErr.Code)
}

func TestBlobStoreRecoversAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	log := zerolog.New(io.Discard)

	bs, err := store.OpenBlobStore(dir, 3, 1024*1024, log)
	require.NoError(t, err)

	data := []byte("persist me across restarts")
	digest, err := bs.Put(data)
	require.NoError(t, err)
	require.NoError(t, bs.Close())

	reopened, err := store.OpenBlobStore(dir, 3, 1024*1024, log)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(digest)
	require.NoError(t, err)
	require.Equal(t, data, got)
}
