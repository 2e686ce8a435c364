// Package canon provides canonical msgpack encoding helpers for CXDB,
// adapted from the teacher's pkg/codec/cborcanon package: deterministic
// key ordering so that identical logical values (turn payloads, directory
// objects) always serialize to identical bytes, which is required for
// CXDB's content-addressing to be stable across machines and runs.
package canon

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v into canonical msgpack: map keys sorted, compact ints.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes canonical msgpack data into v.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("canon: unmarshal: %w", err)
	}
	return nil
}

// MustMarshal panics on encode failure; used for values whose encodability
// is guaranteed by construction (e.g. internally built directory objects).
func MustMarshal(v interface{}) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("canon: marshal failed: %v", err))
	}
	return data
}

// TagMap holds a tag-keyed payload (uint64 -> interface{}) with
// deterministic iteration order for canonical encoding.
type TagMap struct {
	Tags   []uint64
	Values map[uint64]interface{}
}

// NewTagMap builds a TagMap from a regular map, sorting tags ascending.
func NewTagMap(m map[uint64]interface{}) *TagMap {
	tags := make([]uint64, 0, len(m))
	for t := range m {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return &TagMap{Tags: tags, Values: m}
}

// EncodeMsgpack implements msgpack.CustomEncoder for deterministic tag order.
func (tm *TagMap) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(tm.Tags)); err != nil {
		return err
	}
	for _, tag := range tm.Tags {
		if err := enc.EncodeUint(tag); err != nil {
			return err
		}
		if err := enc.Encode(tm.Values[tag]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack implements msgpack.CustomDecoder, reading a tag-keyed map
// whose keys may be any msgpack integer width.
func (tm *TagMap) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	tm.Values = make(map[uint64]interface{}, n)
	tm.Tags = make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		tag, err := dec.DecodeUint64()
		if err != nil {
			return fmt.Errorf("canon: tag map key: %w", err)
		}
		val, err := dec.DecodeInterface()
		if err != nil {
			return fmt.Errorf("canon: tag map value for tag %d: %w", tag, err)
		}
		tm.Values[tag] = val
		tm.Tags = append(tm.Tags, tag)
	}
	sort.Slice(tm.Tags, func(i, j int) bool { return tm.Tags[i] < tm.Tags[j] })
	return nil
}

// IsCanonical reports whether data round-trips byte-identically through
// Marshal(Unmarshal(data)), the same canonicalization check the teacher's
// cborcanon.IsCanonical performs for CBOR.
func IsCanonical(data []byte) bool {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return false
	}
	reencoded, err := Marshal(v)
	if err != nil {
		return false
	}
	return bytes.Equal(data, reencoded)
}
