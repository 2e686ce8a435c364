package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anansitrading/cxdb/internal/apierr"
	"github.com/anansitrading/cxdb/internal/dag"
	"github.com/anansitrading/cxdb/internal/fstree"
	"github.com/anansitrading/cxdb/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal(err, "unexpected error")
	}
	writeJSON(w, apiErr.Code.HTTPStatus(), map[string]interface{}{
		"error": map[string]interface{}{
			"code":    apiErr.Code.String(),
			"message": apiErr.Message,
		},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics renders the JSON metrics document spec.md §6 requires:
// counters, per-operation latency distributions (p50/p95/p99/max/count),
// and storage sizes. The same underlying collectors remain scrapeable in
// Prometheus text exposition format at /v1/metrics/prom.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counters": snap,
		"storage": map[string]interface{}{
			"blob_count":      s.engine.Blobs.Len(),
			"blob_pack_bytes": s.engine.Blobs.PackBytes(),
			"turn_log_bytes":  s.engine.Turns.SizeBytes(),
		},
	})
}

type headInfoView struct {
	ContextID uint64 `json:"context_id"`
	HeadTurn  uint64 `json:"head_turn_id"`
	HeadDepth uint32 `json:"head_depth"`
}

func toHeadView(h *dag.HeadInfo) headInfoView {
	return headInfoView{ContextID: uint64(h.ContextID), HeadTurn: uint64(h.HeadTurn), HeadDepth: h.HeadDepth}
}

func (s *Server) handleCtxCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BaseTurnID uint64 `json:"base_turn_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apierr.BadRequest("malformed request body: %v", err))
			return
		}
	}

	head, err := s.engine.CtxCreate(store.TurnID(body.BaseTurnID))
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.ContextsTotal.Inc()
	writeJSON(w, http.StatusCreated, toHeadView(head))
}

func (s *Server) handleCtxFork(w http.ResponseWriter, r *http.Request) {
	parentContextID, err := parseContextID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		AtTurnID uint64 `json:"at_turn_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apierr.BadRequest("malformed request body: %v", err))
			return
		}
	}

	head, err := s.engine.CtxFork(parentContextID, store.TurnID(body.AtTurnID))
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.ContextsTotal.Inc()
	writeJSON(w, http.StatusCreated, toHeadView(head))
}

func (s *Server) handleGetHead(w http.ResponseWriter, r *http.Request) {
	contextID, err := parseContextID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	head, err := s.engine.GetHead(contextID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHeadView(head))
}

type turnView struct {
	TurnID          uint64                 `json:"turn_id"`
	ParentTurnID    uint64                 `json:"parent_turn_id"`
	Depth           uint32                 `json:"depth"`
	TypeID          string                 `json:"type_id"`
	TypeVersion     uint32                 `json:"type_version"`
	TypeResolution  string                 `json:"type_resolution,omitempty"`
	PayloadDigest   string                 `json:"payload_digest"`
	UncompressedLen uint32                 `json:"uncompressed_len"`
	CreatedAtUnixMS uint64                 `json:"created_at_unix_ms"`
	FSRootDigest    string                 `json:"fs_root_digest,omitempty"`
	Payload         string                 `json:"payload,omitempty"`
	Typed           map[string]interface{} `json:"typed,omitempty"`
}

func (s *Server) handleGetTurns(w http.ResponseWriter, r *http.Request) {
	contextID, err := parseContextID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	view := q.Get("view")
	includePayload := view == "typed" || q.Get("include_payload") == "1"

	turns, err := s.engine.GetLast(contextID, limit, includePayload)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]turnView, len(turns))
	for i, t := range turns {
		tv := turnView{
			TurnID:          uint64(t.TurnID),
			ParentTurnID:    uint64(t.ParentTurnID),
			Depth:           t.Depth,
			TypeID:          t.DeclaredTypeID,
			TypeVersion:     t.DeclaredTypeVersion,
			PayloadDigest:   t.PayloadDigest.String(),
			UncompressedLen: t.PayloadUncompressedLen,
			CreatedAtUnixMS: t.CreatedAtUnixMS,
		}
		if t.FSRootDigest != nil {
			tv.FSRootDigest = t.FSRootDigest.String()
		}

		if view == "typed" {
			descriptor, kind := s.registry.Resolve(t.DeclaredTypeID, t.DeclaredTypeVersion)
			tv.TypeResolution = string(kind)
			if descriptor != nil {
				start := time.Now()
				typed, err := s.registry.Project(descriptor, t.Payload)
				s.metrics.ProjectLatency.Observe(time.Since(start).Seconds())
				if err != nil {
					writeError(w, err)
					return
				}
				tv.Typed = typed
			}
		} else if includePayload {
			tv.Payload = base64.StdEncoding.EncodeToString(t.Payload)
		}

		views[i] = tv
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"turns": views})
}

func (s *Server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	contextID, err := parseContextID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		ParentTurnID   uint64 `json:"parent_turn_id"`
		TypeID         string `json:"type_id"`
		TypeVersion    uint32 `json:"type_version"`
		Encoding       uint32 `json:"encoding"`
		Compression    uint32 `json:"compression"`
		PayloadDigest  string `json:"payload_digest"`
		PayloadBase64  string `json:"payload_base64"`
		IdempotencyKey string `json:"idempotency_key"`
		FSRootDigest   string `json:"fs_root_digest"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apierr.BadRequest("malformed request body: %v", err))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(body.PayloadBase64)
	if err != nil {
		writeError(w, apierr.BadRequest("payload_base64 is not valid base64: %v", err))
		return
	}

	digest, err := store.ParseDigest(body.PayloadDigest)
	if err != nil {
		writeError(w, apierr.BadRequest("payload_digest: %v", err))
		return
	}

	var fsRoot *store.Digest
	if body.FSRootDigest != "" {
		d, err := store.ParseDigest(body.FSRootDigest)
		if err != nil {
			writeError(w, apierr.BadRequest("fs_root_digest: %v", err))
			return
		}
		fsRoot = &d
	}

	result, err := s.engine.Append(&dag.AppendRequest{
		ContextID:           contextID,
		ParentTurnID:        store.TurnID(body.ParentTurnID),
		DeclaredTypeID:      body.TypeID,
		DeclaredTypeVersion: body.TypeVersion,
		Encoding:            store.PayloadEncoding(body.Encoding),
		Compression:         store.PayloadCompression(body.Compression),
		UncompressedLen:     uint32(len(payload)),
		PayloadDigest:       digest,
		Payload:             payload,
		IdempotencyKey:      []byte(body.IdempotencyKey),
		FSRootDigest:        fsRoot,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.metrics.TurnsTotal.Inc()
	s.metrics.BlobsTotal.Inc()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"context_id": result.ContextID,
		"turn_id":    result.TurnID,
		"depth":      result.Depth,
	})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "contentHash")
	digest, err := store.ParseDigest(hash)
	if err != nil {
		writeError(w, apierr.BadRequest("content_hash: %v", err))
		return
	}

	data, err := s.engine.GetBlob(digest)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePutBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := chi.URLParam(r, "bundleID")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apierr.BadRequest("reading body: %v", err))
		return
	}

	bundle, err := s.registry.PublishBundle(bundleID, body)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	bundleID := chi.URLParam(r, "bundleID")
	bundle, ok := s.registry.GetBundle(bundleID)
	if !ok {
		writeError(w, apierr.NotFound("bundle %q not found", bundleID))
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"bundles": s.registry.ListBundles()})
}

func (s *Server) handleListDir(w http.ResponseWriter, r *http.Request) {
	turnID, err := parseTurnID(r, "turnID")
	if err != nil {
		writeError(w, err)
		return
	}

	rootDigest, err := s.fsRootForTurn(turnID)
	if err != nil {
		writeError(w, err)
		return
	}

	path := r.URL.Query().Get("path")
	entries, err := fstree.ListDir(s.engine.Blobs, rootDigest, path)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	turnID, err := parseTurnID(r, "turnID")
	if err != nil {
		writeError(w, err)
		return
	}

	rootDigest, err := s.fsRootForTurn(turnID)
	if err != nil {
		writeError(w, err)
		return
	}

	path := r.URL.Query().Get("path")
	result, err := fstree.GetFile(s.engine.Blobs, rootDigest, path)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":        result.Kind,
		"mode":        result.Mode,
		"size":        result.Size,
		"link_target": result.LinkTarget,
		"bytes_base64": base64.StdEncoding.EncodeToString(result.Bytes),
	})
}

func (s *Server) fsRootForTurn(turnID store.TurnID) (store.Digest, error) {
	turn, err := s.engine.Turns.GetTurn(turnID)
	if err != nil {
		return store.Digest{}, err
	}
	if turn.FSRootDigest == nil {
		return store.Digest{}, apierr.NotFound("turn %d has no filesystem snapshot attached", turnID)
	}
	return *turn.FSRootDigest, nil
}

func parseContextID(r *http.Request) (store.ContextID, error) {
	raw := chi.URLParam(r, "contextID")
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apierr.BadRequest("invalid context id %q", raw)
	}
	return store.ContextID(v), nil
}

func parseTurnID(r *http.Request, param string) (store.TurnID, error) {
	raw := chi.URLParam(r, param)
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apierr.BadRequest("invalid turn id %q", raw)
	}
	return store.TurnID(v), nil
}
