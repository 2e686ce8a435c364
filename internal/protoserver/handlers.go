package protoserver

import (
	"time"

	"github.com/anansitrading/cxdb/internal/apierr"
	"github.com/anansitrading/cxdb/internal/dag"
	"github.com/anansitrading/cxdb/internal/store"
	"github.com/anansitrading/cxdb/internal/wire"
)

// dispatch decodes frame.Payload per its msg_type, invokes the engine,
// and returns the reply msg_type and payload. Any error is converted to
// an ERROR reply rather than closing the connection, so one bad request
// never disrupts other in-flight requests on the same connection.
func (s *Server) dispatch(frame *wire.Frame) (uint16, []byte) {
	switch frame.MsgType {
	case wire.MsgHello:
		return wire.MsgHello, nil

	case wire.MsgCtxCreate:
		return s.handleCtxCreate(frame.Payload)

	case wire.MsgCtxFork:
		return s.handleCtxFork(frame.Payload)

	case wire.MsgGetHead:
		return s.handleGetHead(frame.Payload)

	case wire.MsgAppend:
		return s.handleAppend(frame.Payload)

	case wire.MsgGetLast:
		return s.handleGetLast(frame.Payload)

	case wire.MsgGetBlob:
		return s.handleGetBlob(frame.Payload)

	default:
		return errorReply(apierr.BadRequest("unknown message type %d", frame.MsgType))
	}
}

func errorReply(err error) (uint16, []byte) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Internal(err, "unexpected error")
	}
	return wire.MsgError, wire.EncodeErrorPayload(&wire.ErrorPayload{
		Code:   uint32(apiErr.Code),
		Detail: apiErr.Error(),
	})
}

func (s *Server) handleCtxCreate(payload []byte) (uint16, []byte) {
	req, err := wire.DecodeCtxCreateRequest(payload)
	if err != nil {
		return errorReply(apierr.BadRequest("%v", err))
	}

	head, err := s.engine.CtxCreate(store.TurnID(req.BaseTurnID))
	if err != nil {
		return errorReply(err)
	}
	s.metrics.ContextsTotal.Inc()

	return wire.MsgCtxCreate, wire.EncodeHeadReply(&wire.HeadReply{
		ContextID: uint64(head.ContextID), HeadTurn: uint64(head.HeadTurn), HeadDepth: head.HeadDepth,
	})
}

func (s *Server) handleCtxFork(payload []byte) (uint16, []byte) {
	req, err := wire.DecodeCtxForkRequest(payload)
	if err != nil {
		return errorReply(apierr.BadRequest("%v", err))
	}

	head, err := s.engine.CtxFork(store.ContextID(req.ParentContextID), store.TurnID(req.AtTurnID))
	if err != nil {
		return errorReply(err)
	}
	s.metrics.ContextsTotal.Inc()

	return wire.MsgCtxFork, wire.EncodeHeadReply(&wire.HeadReply{
		ContextID: uint64(head.ContextID), HeadTurn: uint64(head.HeadTurn), HeadDepth: head.HeadDepth,
	})
}

func (s *Server) handleGetHead(payload []byte) (uint16, []byte) {
	req, err := wire.DecodeGetHeadRequest(payload)
	if err != nil {
		return errorReply(apierr.BadRequest("%v", err))
	}

	head, err := s.engine.GetHead(store.ContextID(req.ContextID))
	if err != nil {
		return errorReply(err)
	}

	return wire.MsgGetHead, wire.EncodeHeadReply(&wire.HeadReply{
		ContextID: uint64(head.ContextID), HeadTurn: uint64(head.HeadTurn), HeadDepth: head.HeadDepth,
	})
}

func (s *Server) handleAppend(payload []byte) (uint16, []byte) {
	start := time.Now()
	defer func() { s.metrics.AppendLatency.Observe(time.Since(start).Seconds()) }()

	req, err := wire.DecodeAppendRequest(payload)
	if err != nil {
		return errorReply(apierr.BadRequest("%v", err))
	}

	var fsRoot *store.Digest
	if req.HasFSRoot {
		d := store.Digest(req.FSRootDigest)
		fsRoot = &d
	}

	result, err := s.engine.Append(&dag.AppendRequest{
		ContextID:           store.ContextID(req.ContextID),
		ParentTurnID:        store.TurnID(req.ParentTurnID),
		DeclaredTypeID:      req.TypeID,
		DeclaredTypeVersion: req.TypeVersion,
		Encoding:            store.PayloadEncoding(req.Encoding),
		Compression:         store.PayloadCompression(req.Compression),
		UncompressedLen:     req.UncompressedLen,
		PayloadDigest:       store.Digest(req.PayloadDigest),
		Payload:             req.Payload,
		IdempotencyKey:      req.IdempotencyKey,
		FSRootDigest:        fsRoot,
	})
	if err != nil {
		if apiErr, ok := apierr.As(err); ok {
			s.metrics.ErrorsTotal.WithLabelValues(apiErr.Code.String()).Inc()
		}
		return errorReply(err)
	}
	s.metrics.TurnsTotal.Inc()
	s.metrics.BlobsTotal.Inc()
	s.metrics.BlobBytesIn.Add(float64(len(req.Payload)))

	return wire.MsgAppend, wire.EncodeAppendReply(&wire.AppendReply{
		ContextID: uint64(result.ContextID), TurnID: uint64(result.TurnID), Depth: result.Depth,
	})
}

func (s *Server) handleGetLast(payload []byte) (uint16, []byte) {
	start := time.Now()
	defer func() { s.metrics.GetLastLatency.Observe(time.Since(start).Seconds()) }()

	req, err := wire.DecodeGetLastRequest(payload)
	if err != nil {
		return errorReply(apierr.BadRequest("%v", err))
	}

	if req.Limit == 0 {
		if _, err := s.engine.GetHead(store.ContextID(req.ContextID)); err != nil {
			return errorReply(err)
		}
		return wire.MsgGetLast, wire.EncodeGetLastReply(nil)
	}

	turns, err := s.engine.GetLast(store.ContextID(req.ContextID), int(req.Limit), req.IncludePayload != 0)
	if err != nil {
		return errorReply(err)
	}

	records := make([]wire.TurnRecord, len(turns))
	for i, t := range turns {
		rec := wire.TurnRecord{
			TurnID:          uint64(t.TurnID),
			ParentTurnID:    uint64(t.ParentTurnID),
			Depth:           t.Depth,
			TypeID:          t.DeclaredTypeID,
			TypeVersion:     t.DeclaredTypeVersion,
			Encoding:        uint32(t.PayloadEncoding),
			Compression:     uint32(t.PayloadCompression),
			UncompressedLen: t.PayloadUncompressedLen,
			PayloadDigest:   [32]byte(t.PayloadDigest),
			Payload:         t.Payload,
		}
		if t.FSRootDigest != nil {
			rec.HasFSRoot = true
			rec.FSRootDigest = [32]byte(*t.FSRootDigest)
		}
		records[i] = rec
	}

	return wire.MsgGetLast, wire.EncodeGetLastReply(records)
}

func (s *Server) handleGetBlob(payload []byte) (uint16, []byte) {
	start := time.Now()
	defer func() { s.metrics.GetBlobLatency.Observe(time.Since(start).Seconds()) }()

	req, err := wire.DecodeGetBlobRequest(payload)
	if err != nil {
		return errorReply(apierr.BadRequest("%v", err))
	}

	data, err := s.engine.GetBlob(store.Digest(req.Digest))
	if err != nil {
		return errorReply(err)
	}

	return wire.MsgGetBlob, wire.EncodeGetBlobReply(data)
}
