package wire

import (
	"bytes"
	"fmt"
)

// ErrorPayload is the ERROR (msg_type 255) reply body: a stable numeric
// code plus a human-readable detail string (spec.md §4.7).
type ErrorPayload struct {
	Code   uint32
	Detail string
}

func EncodeErrorPayload(e *ErrorPayload) []byte {
	var buf bytes.Buffer
	writeU32(&buf, e.Code)
	writeLPString(&buf, e.Detail)
	return buf.Bytes()
}

func DecodeErrorPayload(payload []byte) (*ErrorPayload, error) {
	rd := &reader{r: bytes.NewReader(payload)}
	e := &ErrorPayload{Code: rd.u32(), Detail: rd.lpString()}
	if rd.err != nil {
		return nil, fmt.Errorf("wire: decode ERROR payload: %w", rd.err)
	}
	return e, nil
}
