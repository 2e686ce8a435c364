package registry

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/anansitrading/cxdb/internal/apierr"
)

// Project decodes a tag-keyed msgpack payload and converts it to a typed
// JSON-ready object according to descriptor's field semantics
// (spec.md §4.5). Tags present in the payload but absent from the
// descriptor are surfaced under "__extras" keyed by their numeric tag, so
// forward-compatible data from a newer writer is never silently dropped.
func (r *Registry) Project(descriptor *Descriptor, payload []byte) (map[string]interface{}, error) {
	raw := make(map[uint64]interface{})
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, apierr.BadRequest("projection: payload is not a tag-keyed map: %v", err)
	}
	for i := 0; i < n; i++ {
		tag, err := dec.DecodeUint64()
		if err != nil {
			return nil, apierr.BadRequest("projection: reading tag: %v", err)
		}
		val, err := dec.DecodeInterface()
		if err != nil {
			return nil, apierr.BadRequest("projection: reading value for tag %d: %v", tag, err)
		}
		raw[tag] = val
	}

	byTag := make(map[uint32]FieldSpec, len(descriptor.Fields))
	for _, f := range descriptor.Fields {
		byTag[f.Tag] = f
	}

	out := make(map[string]interface{}, len(descriptor.Fields)+1)
	extras := make(map[string]interface{})

	for tag, val := range raw {
		field, known := byTag[uint32(tag)]
		if !known {
			extras[fmt.Sprintf("%d", tag)] = val
			continue
		}
		projected, err := r.projectValue(field.Type, field.EnumRef, field.KeyType, field.ValType, field.ElemType, val)
		if err != nil {
			return nil, apierr.BadRequest("projection: field %q (tag %d): %v", field.Name, tag, err)
		}
		out[field.Name] = projected
	}

	if len(extras) > 0 {
		out["__extras"] = extras
	}

	return out, nil
}

func (r *Registry) projectValue(ft FieldType, enumRef string, keyType, valType, elemType FieldType, val interface{}) (interface{}, error) {
	switch ft {
	case FieldUnixMS:
		ms, err := toInt64(val)
		if err != nil {
			return nil, err
		}
		return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano), nil

	case FieldUnixSec:
		sec, err := toInt64(val)
		if err != nil {
			return nil, err
		}
		return time.Unix(sec, 0).UTC().Format(time.RFC3339), nil

	case FieldDurationMS:
		ms, err := toInt64(val)
		if err != nil {
			return nil, err
		}
		return ms, nil

	case FieldBytes:
		b, ok := val.([]byte)
		if !ok {
			return nil, fmt.Errorf("expected bytes, got %T", val)
		}
		return base64.StdEncoding.EncodeToString(b), nil

	case FieldEnumRef:
		idx, err := toInt64(val)
		if err != nil {
			return nil, err
		}
		labels, ok := r.Enum(enumRef)
		if !ok {
			return nil, fmt.Errorf("enum %q not published", enumRef)
		}
		if idx < 0 || int(idx) >= len(labels) {
			return nil, fmt.Errorf("enum %q has no label for value %d", enumRef, idx)
		}
		return labels[idx], nil

	case FieldMap:
		m, ok := val.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected map, got %T", val)
		}
		result := make(map[string]interface{}, len(m))
		for k, v := range m {
			pv, err := r.projectValue(valType, "", "", "", "", v)
			if err != nil {
				return nil, err
			}
			result[k] = pv
		}
		return result, nil

	case FieldArray:
		arr, ok := val.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", val)
		}
		result := make([]interface{}, len(arr))
		for i, v := range arr {
			pv, err := r.projectValue(elemType, "", "", "", "", v)
			if err != nil {
				return nil, err
			}
			result[i] = pv
		}
		return result, nil

	case FieldString, FieldURL, FieldMarkdown:
		return val, nil

	case FieldInt, FieldFloat, FieldBool:
		return val, nil

	default:
		return val, nil
	}
}

func toInt64(val interface{}) (int64, error) {
	switch v := val.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", val)
	}
}
