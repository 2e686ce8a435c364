// Package cxdbclient is a thin Go client for CXDB's binary protocol
// (spec.md §4.7), used by integration tests and by any Go program that
// wants to append turns without speaking the frame format directly.
// Grounded in the teacher's pkg/control client-side call idiom: one
// connection, serialized requests, request_id correlation.
package cxdbclient

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anansitrading/cxdb/internal/store"
	"github.com/anansitrading/cxdb/internal/wire"
)

// Client is a connection to a CXDB binary protocol server. A Client
// serializes its own calls; for concurrent use from multiple goroutines,
// open one Client per goroutine or guard calls with an external lock.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  uint64
	timeout time.Duration
}

// Dial connects to a CXDB binary protocol server at addr.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("cxdbclient: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(msgType uint16, payload []byte) (*wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	requestID := atomic.AddUint64(&c.nextID, 1)

	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if err := wire.WriteFrame(c.conn, msgType, requestID, payload); err != nil {
		return nil, fmt.Errorf("cxdbclient: write request: %w", err)
	}

	for {
		frame, err := wire.ReadFrame(c.conn)
		if err != nil {
			return nil, fmt.Errorf("cxdbclient: read reply: %w", err)
		}
		if frame.RequestID != requestID {
			continue // a reply to an older call that raced the deadline; discard
		}
		if frame.MsgType == wire.MsgError {
			ep, err := wire.DecodeErrorPayload(frame.Payload)
			if err != nil {
				return nil, fmt.Errorf("cxdbclient: malformed error reply: %w", err)
			}
			return nil, &RemoteError{Code: ep.Code, Detail: ep.Detail}
		}
		return frame, nil
	}
}

// RemoteError is returned when the server replies with an ERROR frame.
type RemoteError struct {
	Code   uint32
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("cxdb server error %d: %s", e.Code, e.Detail)
}

// Head mirrors the (context_id, head_turn_id, head_depth) triple.
type Head struct {
	ContextID store.ContextID
	HeadTurn  store.TurnID
	HeadDepth uint32
}

// CtxCreate creates a new context rooted at baseTurnID (0 for empty).
func (c *Client) CtxCreate(baseTurnID store.TurnID) (*Head, error) {
	frame, err := c.call(wire.MsgCtxCreate, wire.EncodeCtxCreateRequest(&wire.CtxCreateRequest{BaseTurnID: uint64(baseTurnID)}))
	if err != nil {
		return nil, err
	}
	reply, err := wire.DecodeHeadReply(frame.Payload)
	if err != nil {
		return nil, err
	}
	return &Head{ContextID: store.ContextID(reply.ContextID), HeadTurn: store.TurnID(reply.HeadTurn), HeadDepth: reply.HeadDepth}, nil
}

// CtxFork forks parentContext at atTurnID.
func (c *Client) CtxFork(parentContext store.ContextID, atTurnID store.TurnID) (*Head, error) {
	frame, err := c.call(wire.MsgCtxFork, wire.EncodeCtxForkRequest(&wire.CtxForkRequest{
		ParentContextID: uint64(parentContext), AtTurnID: uint64(atTurnID),
	}))
	if err != nil {
		return nil, err
	}
	reply, err := wire.DecodeHeadReply(frame.Payload)
	if err != nil {
		return nil, err
	}
	return &Head{ContextID: store.ContextID(reply.ContextID), HeadTurn: store.TurnID(reply.HeadTurn), HeadDepth: reply.HeadDepth}, nil
}

// GetHead fetches the current head of contextID.
func (c *Client) GetHead(contextID store.ContextID) (*Head, error) {
	frame, err := c.call(wire.MsgGetHead, wire.EncodeGetHeadRequest(&wire.GetHeadRequest{ContextID: uint64(contextID)}))
	if err != nil {
		return nil, err
	}
	reply, err := wire.DecodeHeadReply(frame.Payload)
	if err != nil {
		return nil, err
	}
	return &Head{ContextID: store.ContextID(reply.ContextID), HeadTurn: store.TurnID(reply.HeadTurn), HeadDepth: reply.HeadDepth}, nil
}

// AppendTurnRequest carries the inputs to AppendTurn. FSRootDigest is
// optional: set it to attach a filesystem snapshot (spec.md §4.6) to the
// turn being created.
type AppendTurnRequest struct {
	ContextID      store.ContextID
	ParentTurnID   store.TurnID
	TypeID         string
	TypeVersion    uint32
	Encoding       uint32
	Compression    uint32
	Payload        []byte
	IdempotencyKey []byte
	FSRootDigest   *store.Digest
}

// AppendResult is the (context_id, turn_id, depth) triple.
type AppendResult struct {
	ContextID store.ContextID
	TurnID    store.TurnID
	Depth     uint32
}

// AppendTurn computes the payload digest and appends a turn.
func (c *Client) AppendTurn(req *AppendTurnRequest) (*AppendResult, error) {
	digest := store.ComputeDigest(req.Payload)

	wireReq := &wire.AppendRequest{
		ContextID:       uint64(req.ContextID),
		ParentTurnID:    uint64(req.ParentTurnID),
		TypeID:          req.TypeID,
		TypeVersion:     req.TypeVersion,
		Encoding:        req.Encoding,
		Compression:     req.Compression,
		UncompressedLen: uint32(len(req.Payload)),
		Payload:         req.Payload,
		IdempotencyKey:  req.IdempotencyKey,
	}
	wireReq.PayloadDigest = [32]byte(digest)
	if req.FSRootDigest != nil {
		wireReq.HasFSRoot = true
		wireReq.FSRootDigest = [32]byte(*req.FSRootDigest)
	}

	frame, err := c.call(wire.MsgAppend, wire.EncodeAppendRequest(wireReq))
	if err != nil {
		return nil, err
	}
	reply, err := wire.DecodeAppendReply(frame.Payload)
	if err != nil {
		return nil, err
	}
	return &AppendResult{ContextID: store.ContextID(reply.ContextID), TurnID: store.TurnID(reply.TurnID), Depth: reply.Depth}, nil
}

// GetLast fetches up to limit turns for contextID, oldest first.
func (c *Client) GetLast(contextID store.ContextID, limit int, includePayload bool) ([]wire.TurnRecord, error) {
	incl := uint32(0)
	if includePayload {
		incl = 1
	}
	frame, err := c.call(wire.MsgGetLast, wire.EncodeGetLastRequest(&wire.GetLastRequest{
		ContextID: uint64(contextID), Limit: uint32(limit), IncludePayload: incl,
	}))
	if err != nil {
		return nil, err
	}
	return wire.DecodeGetLastReply(frame.Payload)
}

// GetBlob fetches the raw bytes for digest.
func (c *Client) GetBlob(digest store.Digest) ([]byte, error) {
	frame, err := c.call(wire.MsgGetBlob, wire.EncodeGetBlobRequest(&wire.GetBlobRequest{Digest: [32]byte(digest)}))
	if err != nil {
		return nil, err
	}
	return wire.DecodeGetBlobReply(frame.Payload)
}
