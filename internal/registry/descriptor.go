// Package registry implements CXDB's type registry and binary-to-JSON
// projection (spec.md §4.5): publishing immutable, atomically-replaceable
// bundles of type descriptors, resolving a (type_id, type_version) pair
// against the active bundle set, and projecting a tag-keyed binary
// payload into a typed JSON object. Grounded in the teacher's honeytag
// registry idiom (an in-memory, copy-on-write lookup table guarded by an
// atomic pointer) and its cborcanon tag-keyed maps.
package registry

import "fmt"

// FieldType is the closed set of field types a descriptor may declare.
type FieldType string

const (
	FieldString     FieldType = "string"
	FieldInt        FieldType = "int"
	FieldFloat      FieldType = "float"
	FieldBool       FieldType = "bool"
	FieldBytes      FieldType = "bytes_base64"
	FieldUnixMS     FieldType = "unix_ms"
	FieldUnixSec    FieldType = "unix_sec"
	FieldDurationMS FieldType = "duration_ms"
	FieldURL        FieldType = "url"
	FieldMarkdown   FieldType = "markdown"
	FieldEnumRef    FieldType = "enum_ref"
	FieldMap        FieldType = "map"
	FieldArray      FieldType = "array"
)

func (ft FieldType) valid() bool {
	switch ft {
	case FieldString, FieldInt, FieldFloat, FieldBool, FieldBytes, FieldUnixMS,
		FieldUnixSec, FieldDurationMS, FieldURL, FieldMarkdown, FieldEnumRef,
		FieldMap, FieldArray:
		return true
	default:
		return false
	}
}

// FieldSpec describes one tagged field of a descriptor.
type FieldSpec struct {
	Tag     uint32    `json:"tag"`
	Name    string    `json:"name"`
	Type    FieldType `json:"type"`
	EnumRef string    `json:"enum_ref,omitempty"`
	KeyType FieldType `json:"key_type,omitempty"`
	ValType FieldType `json:"value_type,omitempty"`
	ElemType FieldType `json:"elem_type,omitempty"`
}

// Descriptor is a single (type_id, type_version)'s field layout.
type Descriptor struct {
	TypeID  string      `json:"type_id"`
	Version uint32      `json:"type_version"`
	Fields  []FieldSpec `json:"fields"`
}

// Bundle is the unit of publication: a named, versioned set of
// descriptors plus the enum label sets they may reference.
type Bundle struct {
	BundleID    string                `json:"bundle_id"`
	Enums       map[string][]string   `json:"enums,omitempty"`
	Descriptors []Descriptor          `json:"descriptors"`
}

// validate checks the structural rules of spec.md §4.5: tags positive,
// types from the closed set, maps/arrays declare their component types,
// enum references resolve, no tag is duplicated within a descriptor, and
// no two descriptors within the bundle share (type_id, type_version).
func (b *Bundle) validate() error {
	if b.BundleID == "" {
		return fmt.Errorf("bundle_id must not be empty")
	}

	seenTypeVersions := make(map[string]bool, len(b.Descriptors))
	for _, d := range b.Descriptors {
		if d.TypeID == "" {
			return fmt.Errorf("descriptor missing type_id")
		}

		typeVersionKey := fmt.Sprintf("%s@%d", d.TypeID, d.Version)
		if seenTypeVersions[typeVersionKey] {
			return fmt.Errorf("%s v%d: declared by two descriptors in the same bundle", d.TypeID, d.Version)
		}
		seenTypeVersions[typeVersionKey] = true
		seenTags := make(map[uint32]bool, len(d.Fields))
		for _, f := range d.Fields {
			if f.Tag == 0 {
				return fmt.Errorf("%s v%d: tag 0 is reserved, tags must be positive", d.TypeID, d.Version)
			}
			if seenTags[f.Tag] {
				return fmt.Errorf("%s v%d: tag %d duplicated within descriptor", d.TypeID, d.Version, f.Tag)
			}
			seenTags[f.Tag] = true

			if !f.Type.valid() {
				return fmt.Errorf("%s v%d: field %q has unknown type %q", d.TypeID, d.Version, f.Name, f.Type)
			}

			switch f.Type {
			case FieldMap:
				if f.KeyType == "" || f.ValType == "" {
					return fmt.Errorf("%s v%d: field %q of type map must declare key_type and value_type", d.TypeID, d.Version, f.Name)
				}
			case FieldArray:
				if f.ElemType == "" {
					return fmt.Errorf("%s v%d: field %q of type array must declare elem_type", d.TypeID, d.Version, f.Name)
				}
			case FieldEnumRef:
				if f.EnumRef == "" {
					return fmt.Errorf("%s v%d: field %q of type enum_ref must declare enum_ref", d.TypeID, d.Version, f.Name)
				}
				if _, ok := b.Enums[f.EnumRef]; !ok {
					return fmt.Errorf("%s v%d: field %q references undeclared enum %q", d.TypeID, d.Version, f.Name, f.EnumRef)
				}
			}
		}
	}

	return nil
}
