package httpapi_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/anansitrading/cxdb/internal/dag"
	"github.com/anansitrading/cxdb/internal/fstree"
	"github.com/anansitrading/cxdb/internal/httpapi"
	"github.com/anansitrading/cxdb/internal/metrics"
	"github.com/anansitrading/cxdb/internal/registry"
	"github.com/anansitrading/cxdb/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts, _ := newTestServerWithBlobs(t)
	return ts
}

func newTestServerWithBlobs(t *testing.T) (*httptest.Server, *store.BlobStore) {
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
	reg := registry.NewRegistry(blobs, log)
	m := metrics.New()

	srv := httpapi.New(engine, reg, m, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		blobs.Close()
		turns.Close()
		heads.Close()
		idemp.Close()
	})
	return ts, blobs
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsJSON(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/contexts", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/v1/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Counters struct {
			ContextsTotal float64 `json:"contexts_total"`
			Operations    map[string]struct {
				Count      uint64  `json:"count"`
				P50Seconds float64 `json:"p50_seconds"`
			} `json:"operations"`
		} `json:"counters"`
		Storage struct {
			BlobCount    int   `json:"blob_count"`
			TurnLogBytes int64 `json:"turn_log_bytes"`
		} `json:"storage"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.EqualValues(t, 1, out.Counters.ContextsTotal)
	require.Contains(t, out.Counters.Operations, "append")
	require.Contains(t, out.Counters.Operations, "get_last")
}

func TestContextCreateAppendAndReadTurns(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/contexts", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	var head struct {
		ContextID uint64 `json:"context_id"`
		HeadTurn  uint64 `json:"head_turn_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&head))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	payload := []byte("hello httpapi")
	digest := store.ComputeDigest(payload)
	body := map[string]interface{}{
		"parent_turn_id": 0,
		"type_id":        "com.example.Message",
		"type_version":   1,
		"encoding":       1,
		"compression":    0,
		"payload_digest": digest.String(),
		"payload_base64": base64.StdEncoding.EncodeToString(payload),
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	url := fmt.Sprintf("%s/v1/contexts/%d/turns", ts.URL, head.ContextID)
	resp, err = http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(url + "?include_payload=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Turns []struct {
			TurnID  uint64 `json:"turn_id"`
			Payload string `json:"payload"`
		} `json:"turns"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Turns, 1)
	decoded, err := base64.StdEncoding.DecodeString(out.Turns[0].Payload)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestGetBlobNotFound(t *testing.T) {
	ts := newTestServer(t)
	zero := store.Digest{}
	resp, err := http.Get(ts.URL + "/v1/blobs/" + zero.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBundlePublishAndFetch(t *testing.T) {
	ts := newTestServer(t)

	bundleJSON := []byte(`{
		"bundle_id": "test.bundle.v1",
		"descriptors": [
			{"type_id": "com.example.Note", "type_version": 1, "fields": [
				{"tag": 1, "name": "text", "type": "string"}
			]}
		]
	}`)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/registry/bundles/test.bundle.v1", bytes.NewReader(bundleJSON))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/registry/bundles/test.bundle.v1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/v1/registry/bundles")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var listed struct {
		Bundles []string `json:"bundles"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&listed))
	require.Contains(t, listed.Bundles, "test.bundle.v1")
}

// TestAppendWithFSSnapshotServesDirAndFile drives spec.md §4.6's entire
// filesystem-snapshot surface through the real HTTP API: a turn created
// with fs_root_digest attached must be listable and readable via
// /v1/fs/{turnID}, not just reachable by a BlobStore handed to fstree
// directly.
func TestAppendWithFSSnapshotServesDirAndFile(t *testing.T) {
	ts, blobs := newTestServerWithBlobs(t)

	fileContents := []byte("hello from a snapshot")
	fileDigest, err := blobs.Put(fileContents)
	require.NoError(t, err)

	root := &fstree.DirObject{
		Entries: []fstree.DirEntry{
			{Name: "greeting.txt", Kind: fstree.KindFile, Mode: 0o644, Size: uint64(len(fileContents)), Digest: fileDigest},
		},
	}
	rootDigest, err := fstree.Store(blobs, root)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/v1/contexts", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	var head struct {
		ContextID uint64 `json:"context_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&head))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	payload := []byte("snapshot turn")
	digest := store.ComputeDigest(payload)
	body := map[string]interface{}{
		"type_id":        "com.example.Snapshot",
		"type_version":   1,
		"encoding":       1,
		"payload_digest": digest.String(),
		"payload_base64": base64.StdEncoding.EncodeToString(payload),
		"fs_root_digest": rootDigest.String(),
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	appendURL := fmt.Sprintf("%s/v1/contexts/%d/turns", ts.URL, head.ContextID)
	resp, err = http.Post(appendURL, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var appended struct {
		TurnID uint64 `json:"turn_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&appended))
	resp.Body.Close()

	resp, err = http.Get(fmt.Sprintf("%s/v1/fs/%d", ts.URL, appended.TurnID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Entries []struct {
			Name string `json:"name"`
		} `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	require.Len(t, listing.Entries, 1)
	require.Equal(t, "greeting.txt", listing.Entries[0].Name)

	resp2, err := http.Get(fmt.Sprintf("%s/v1/fs/%d/file?path=greeting.txt", ts.URL, appended.TurnID))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var fileOut struct {
		BytesBase64 string `json:"bytes_base64"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&fileOut))
	decoded, err := base64.StdEncoding.DecodeString(fileOut.BytesBase64)
	require.NoError(t, err)
	require.Equal(t, fileContents, decoded)

	resp3, err := http.Get(ts.URL + "/v1/fs/999999")
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusNotFound, resp3.StatusCode)
}
