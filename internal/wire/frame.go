// Package wire implements CXDB's binary protocol framing and message
// vocabulary (spec.md §4.7): a fixed frame header followed by a
// message-specific payload, all little-endian. Grounded in the teacher's
// pkg/wire package, which frames CBOR-signed messages the same way
// (length-prefixed payload, fixed header, request correlation); CXDB
// drops the Noise signature envelope the teacher wraps frames in, since
// transport security is out of scope here, and uses plain tag-length
// fields for its payloads instead of CBOR.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message types (spec.md §4.7).
const (
	MsgHello      uint16 = 1
	MsgCtxCreate  uint16 = 2
	MsgCtxFork    uint16 = 3
	MsgGetHead    uint16 = 4
	MsgAppend     uint16 = 5
	MsgGetLast    uint16 = 6
	MsgGetBlob    uint16 = 7
	MsgError      uint16 = 255
)

// HeaderSize is the fixed size of a frame header:
// payload_len(4) + msg_type(2) + reserved(2) + request_id(8).
const HeaderSize = 4 + 2 + 2 + 8

// MaxPayloadLen bounds a single frame's payload to guard against a
// malformed or hostile length prefix forcing an unbounded allocation.
const MaxPayloadLen = 64 * 1024 * 1024

// Frame is one decoded protocol frame.
type Frame struct {
	MsgType   uint16
	RequestID uint64
	Payload   []byte
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	payloadLen := binary.LittleEndian.Uint32(header[0:4])
	msgType := binary.LittleEndian.Uint16(header[4:6])
	// header[6:8] is reserved and ignored.
	requestID := binary.LittleEndian.Uint64(header[8:16])

	if payloadLen > MaxPayloadLen {
		return nil, fmt.Errorf("wire: frame payload length %d exceeds maximum %d", payloadLen, MaxPayloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: reading payload: %w", err)
	}

	return &Frame{MsgType: msgType, RequestID: requestID, Payload: payload}, nil
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, msgType uint16, requestID uint64, payload []byte) error {
	var header [HeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint16(header[4:6], msgType)
	binary.LittleEndian.PutUint64(header[8:16], requestID)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}
