package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

func writeU32(buf *bytes.Buffer, v uint32) { _ = binary.Write(buf, binary.LittleEndian, v) }
func writeU64(buf *bytes.Buffer, v uint64) { _ = binary.Write(buf, binary.LittleEndian, v) }

func writeLPBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeLPString(buf *bytes.Buffer, s string) {
	writeLPBytes(buf, []byte(s))
}

type reader struct {
	r   io.Reader
	err error
}

func (rd *reader) u32() uint32 {
	if rd.err != nil {
		return 0
	}
	var b [4]byte
	if _, err := io.ReadFull(rd.r, b[:]); err != nil {
		rd.err = err
		return 0
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (rd *reader) u64() uint64 {
	if rd.err != nil {
		return 0
	}
	var b [8]byte
	if _, err := io.ReadFull(rd.r, b[:]); err != nil {
		rd.err = err
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (rd *reader) fixed(n int) []byte {
	if rd.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rd.r, b); err != nil {
		rd.err = err
		return nil
	}
	return b
}

func (rd *reader) lpBytes() []byte {
	n := rd.u32()
	if rd.err != nil {
		return nil
	}
	if n > MaxPayloadLen {
		rd.err = fmt.Errorf("wire: length-prefixed field length %d exceeds maximum", n)
		return nil
	}
	return rd.fixed(int(n))
}

func (rd *reader) lpString() string {
	return string(rd.lpBytes())
}

// --- CTX_CREATE ---

type CtxCreateRequest struct {
	BaseTurnID uint64
}

func EncodeCtxCreateRequest(req *CtxCreateRequest) []byte {
	var buf bytes.Buffer
	writeU64(&buf, req.BaseTurnID)
	return buf.Bytes()
}

func DecodeCtxCreateRequest(payload []byte) (*CtxCreateRequest, error) {
	rd := &reader{r: bytes.NewReader(payload)}
	req := &CtxCreateRequest{BaseTurnID: rd.u64()}
	if rd.err != nil {
		return nil, fmt.Errorf("wire: decode CTX_CREATE: %w", rd.err)
	}
	return req, nil
}

// HeadReply is the common reply shape for CTX_CREATE, CTX_FORK and
// GET_HEAD (spec.md §4.7).
type HeadReply struct {
	ContextID uint64
	HeadTurn  uint64
	HeadDepth uint32
}

func EncodeHeadReply(r *HeadReply) []byte {
	var buf bytes.Buffer
	writeU64(&buf, r.ContextID)
	writeU64(&buf, r.HeadTurn)
	writeU32(&buf, r.HeadDepth)
	return buf.Bytes()
}

func DecodeHeadReply(payload []byte) (*HeadReply, error) {
	rd := &reader{r: bytes.NewReader(payload)}
	r := &HeadReply{ContextID: rd.u64(), HeadTurn: rd.u64(), HeadDepth: rd.u32()}
	if rd.err != nil {
		return nil, fmt.Errorf("wire: decode head reply: %w", rd.err)
	}
	return r, nil
}

// --- CTX_FORK ---

type CtxForkRequest struct {
	ParentContextID uint64
	AtTurnID        uint64
}

func EncodeCtxForkRequest(req *CtxForkRequest) []byte {
	var buf bytes.Buffer
	writeU64(&buf, req.ParentContextID)
	writeU64(&buf, req.AtTurnID)
	return buf.Bytes()
}

func DecodeCtxForkRequest(payload []byte) (*CtxForkRequest, error) {
	rd := &reader{r: bytes.NewReader(payload)}
	req := &CtxForkRequest{ParentContextID: rd.u64(), AtTurnID: rd.u64()}
	if rd.err != nil {
		return nil, fmt.Errorf("wire: decode CTX_FORK: %w", rd.err)
	}
	return req, nil
}

// --- GET_HEAD ---

type GetHeadRequest struct {
	ContextID uint64
}

func EncodeGetHeadRequest(req *GetHeadRequest) []byte {
	var buf bytes.Buffer
	writeU64(&buf, req.ContextID)
	return buf.Bytes()
}

func DecodeGetHeadRequest(payload []byte) (*GetHeadRequest, error) {
	rd := &reader{r: bytes.NewReader(payload)}
	req := &GetHeadRequest{ContextID: rd.u64()}
	if rd.err != nil {
		return nil, fmt.Errorf("wire: decode GET_HEAD: %w", rd.err)
	}
	return req, nil
}

// --- APPEND ---

// AppendRequest carries an optional fs_root_digest alongside the turn
// payload, letting a single APPEND attach a filesystem snapshot (spec.md
// §3, §4.6) to the turn it creates rather than requiring a second,
// separate attach step. HasFSRoot reports whether FSRootDigest is set;
// the all-zero digest is not itself used as an absence sentinel, since a
// client could (in principle) legitimately reference it.
type AppendRequest struct {
	ContextID       uint64
	ParentTurnID    uint64
	TypeID          string
	TypeVersion     uint32
	Encoding        uint32
	Compression     uint32
	UncompressedLen uint32
	PayloadDigest   [32]byte
	Payload         []byte
	IdempotencyKey  []byte
	HasFSRoot       bool
	FSRootDigest    [32]byte
}

func EncodeAppendRequest(req *AppendRequest) []byte {
	var buf bytes.Buffer
	writeU64(&buf, req.ContextID)
	writeU64(&buf, req.ParentTurnID)
	writeLPString(&buf, req.TypeID)
	writeU32(&buf, req.TypeVersion)
	writeU32(&buf, req.Encoding)
	writeU32(&buf, req.Compression)
	writeU32(&buf, req.UncompressedLen)
	buf.Write(req.PayloadDigest[:])
	writeLPBytes(&buf, req.Payload)
	writeLPBytes(&buf, req.IdempotencyKey)
	if req.HasFSRoot {
		buf.WriteByte(1)
		buf.Write(req.FSRootDigest[:])
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func DecodeAppendRequest(payload []byte) (*AppendRequest, error) {
	rd := &reader{r: bytes.NewReader(payload)}
	req := &AppendRequest{
		ContextID:       rd.u64(),
		ParentTurnID:    rd.u64(),
		TypeID:          rd.lpString(),
		TypeVersion:     rd.u32(),
		Encoding:        rd.u32(),
		Compression:     rd.u32(),
		UncompressedLen: rd.u32(),
	}
	copy(req.PayloadDigest[:], rd.fixed(32))
	req.Payload = rd.lpBytes()
	req.IdempotencyKey = rd.lpBytes()
	if flag := rd.fixed(1); rd.err == nil && len(flag) == 1 && flag[0] == 1 {
		req.HasFSRoot = true
		copy(req.FSRootDigest[:], rd.fixed(32))
	}
	if rd.err != nil {
		return nil, fmt.Errorf("wire: decode APPEND: %w", rd.err)
	}
	return req, nil
}

// AppendReply is the (context_id, turn_id, depth) triple (spec.md §4.7).
type AppendReply struct {
	ContextID uint64
	TurnID    uint64
	Depth     uint32
}

func EncodeAppendReply(r *AppendReply) []byte {
	var buf bytes.Buffer
	writeU64(&buf, r.ContextID)
	writeU64(&buf, r.TurnID)
	writeU32(&buf, r.Depth)
	return buf.Bytes()
}

func DecodeAppendReply(payload []byte) (*AppendReply, error) {
	rd := &reader{r: bytes.NewReader(payload)}
	r := &AppendReply{ContextID: rd.u64(), TurnID: rd.u64(), Depth: rd.u32()}
	if rd.err != nil {
		return nil, fmt.Errorf("wire: decode APPEND reply: %w", rd.err)
	}
	return r, nil
}

// --- GET_LAST ---

type GetLastRequest struct {
	ContextID      uint64
	Limit          uint32
	IncludePayload uint32
}

func EncodeGetLastRequest(req *GetLastRequest) []byte {
	var buf bytes.Buffer
	writeU64(&buf, req.ContextID)
	writeU32(&buf, req.Limit)
	writeU32(&buf, req.IncludePayload)
	return buf.Bytes()
}

func DecodeGetLastRequest(payload []byte) (*GetLastRequest, error) {
	rd := &reader{r: bytes.NewReader(payload)}
	req := &GetLastRequest{ContextID: rd.u64(), Limit: rd.u32(), IncludePayload: rd.u32()}
	if rd.err != nil {
		return nil, fmt.Errorf("wire: decode GET_LAST: %w", rd.err)
	}
	return req, nil
}

// TurnRecord is one record in a GET_LAST reply. HasFSRoot/FSRootDigest
// mirror AppendRequest's optional filesystem snapshot attachment.
type TurnRecord struct {
	TurnID          uint64
	ParentTurnID    uint64
	Depth           uint32
	TypeID          string
	TypeVersion     uint32
	Encoding        uint32
	Compression     uint32
	UncompressedLen uint32
	PayloadDigest   [32]byte
	Payload         []byte
	HasFSRoot       bool
	FSRootDigest    [32]byte
}

func EncodeGetLastReply(records []TurnRecord) []byte {
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(records)))
	for _, rec := range records {
		writeU64(&buf, rec.TurnID)
		writeU64(&buf, rec.ParentTurnID)
		writeU32(&buf, rec.Depth)
		writeLPString(&buf, rec.TypeID)
		writeU32(&buf, rec.TypeVersion)
		writeU32(&buf, rec.Encoding)
		writeU32(&buf, rec.Compression)
		writeU32(&buf, rec.UncompressedLen)
		buf.Write(rec.PayloadDigest[:])
		writeLPBytes(&buf, rec.Payload)
		if rec.HasFSRoot {
			buf.WriteByte(1)
			buf.Write(rec.FSRootDigest[:])
		} else {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

func DecodeGetLastReply(payload []byte) ([]TurnRecord, error) {
	rd := &reader{r: bytes.NewReader(payload)}
	count := rd.u32()
	records := make([]TurnRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		rec := TurnRecord{
			TurnID:          rd.u64(),
			ParentTurnID:    rd.u64(),
			Depth:           rd.u32(),
			TypeID:          rd.lpString(),
			TypeVersion:     rd.u32(),
			Encoding:        rd.u32(),
			Compression:     rd.u32(),
			UncompressedLen: rd.u32(),
		}
		copy(rec.PayloadDigest[:], rd.fixed(32))
		rec.Payload = rd.lpBytes()
		if flag := rd.fixed(1); rd.err == nil && len(flag) == 1 && flag[0] == 1 {
			rec.HasFSRoot = true
			copy(rec.FSRootDigest[:], rd.fixed(32))
		}
		if rd.err != nil {
			return nil, fmt.Errorf("wire: decode GET_LAST reply: %w", rd.err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// --- GET_BLOB ---

type GetBlobRequest struct {
	Digest [32]byte
}

func EncodeGetBlobRequest(req *GetBlobRequest) []byte {
	var buf bytes.Buffer
	buf.Write(req.Digest[:])
	return buf.Bytes()
}

func DecodeGetBlobRequest(payload []byte) (*GetBlobRequest, error) {
	rd := &reader{r: bytes.NewReader(payload)}
	req := &GetBlobRequest{}
	copy(req.Digest[:], rd.fixed(32))
	if rd.err != nil {
		return nil, fmt.Errorf("wire: decode GET_BLOB: %w", rd.err)
	}
	return req, nil
}

func EncodeGetBlobReply(data []byte) []byte {
	var buf bytes.Buffer
	writeLPBytes(&buf, data)
	return buf.Bytes()
}

func DecodeGetBlobReply(payload []byte) ([]byte, error) {
	rd := &reader{r: bytes.NewReader(payload)}
	data := rd.lpBytes()
	if rd.err != nil {
		return nil, fmt.Errorf("wire: decode GET_BLOB reply: %w", rd.err)
	}
	return data, nil
}
