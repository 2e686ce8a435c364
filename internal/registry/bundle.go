package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/anansitrading/cxdb/internal/apierr"
	"github.com/anansitrading/cxdb/internal/store"
)

// ResolutionKind reports how Resolve satisfied a lookup.
type ResolutionKind string

const (
	ResolvedExact      ResolutionKind = "exact"
	ResolvedInherited  ResolutionKind = "inherited"
	ResolvedUnresolved ResolutionKind = "unresolved"
)

// bundleSet is the immutable snapshot swapped in by PublishBundle. Every
// read goes through a single atomic.Pointer load, so readers never block
// a concurrent publish and never observe a half-published bundle.
type bundleSet struct {
	bundles     map[string]*Bundle                 // bundle_id -> bundle
	byTypeID    map[string]map[uint32]*Descriptor   // type_id -> version -> descriptor
	enumsByName map[string][]string                 // enum name -> ordered labels (most recent publisher wins)
}

func newBundleSet() *bundleSet {
	return &bundleSet{
		bundles:     make(map[string]*Bundle),
		byTypeID:    make(map[string]map[uint32]*Descriptor),
		enumsByName: make(map[string][]string),
	}
}

func (bs *bundleSet) clone() *bundleSet {
	next := newBundleSet()
	for id, b := range bs.bundles {
		next.bundles[id] = b
	}
	for typeID, versions := range bs.byTypeID {
		vcopy := make(map[uint32]*Descriptor, len(versions))
		for v, d := range versions {
			vcopy[v] = d
		}
		next.byTypeID[typeID] = vcopy
	}
	for name, labels := range bs.enumsByName {
		next.enumsByName[name] = labels
	}
	return next
}

// Registry is the server-wide type registry (spec.md §4.5).
type Registry struct {
	blobs   *store.BlobStore
	current atomic.Pointer[bundleSet]
	log     zerolog.Logger
}

// NewRegistry constructs an empty registry backed by blobs for bundle
// persistence.
func NewRegistry(blobs *store.BlobStore, log zerolog.Logger) *Registry {
	r := &Registry{blobs: blobs, log: log.With().Str("component", "registry").Logger()}
	r.current.Store(newBundleSet())
	return r
}

// PublishBundle validates bundleJSON against spec.md §4.5's rules and, on
// success, atomically replaces any previously published bundle with the
// same bundle_id. The bundle's JSON is also written to the blob store.
// No bundle_id index entry is kept for that blob, and NewRegistry does not
// read bundles back, so a new Registry starts with no bundles.
func (r *Registry) PublishBundle(bundleID string, bundleJSON []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(bundleJSON, &b); err != nil {
		return nil, apierr.InvalidDescriptor("malformed bundle json: %v", err)
	}
	if b.BundleID == "" {
		b.BundleID = bundleID
	}
	if b.BundleID != bundleID {
		return nil, apierr.InvalidDescriptor("bundle_id in body (%q) does not match path (%q)", b.BundleID, bundleID)
	}

	if err := b.validate(); err != nil {
		return nil, apierr.InvalidDescriptor("%v", err)
	}

	for {
		old := r.current.Load()

		if err := checkEvolutionRules(old, bundleID, &b); err != nil {
			return nil, err
		}

		next := old.clone()

		if prev, ok := next.bundles[bundleID]; ok {
			for _, d := range prev.Descriptors {
				delete(next.byTypeID[d.TypeID], d.Version)
			}
		}

		next.bundles[bundleID] = &b
		for name, labels := range b.Enums {
			next.enumsByName[name] = labels
		}
		for i := range b.Descriptors {
			d := &b.Descriptors[i]
			if next.byTypeID[d.TypeID] == nil {
				next.byTypeID[d.TypeID] = make(map[uint32]*Descriptor)
			}
			next.byTypeID[d.TypeID][d.Version] = d
		}

		if r.current.CompareAndSwap(old, next) {
			break
		}
		// Lost the race with a concurrent publish; retry against the
		// fresh snapshot.
	}

	raw, err := json.Marshal(&b)
	if err == nil {
		if _, err := r.blobs.Put(raw); err != nil {
			r.log.Warn().Err(err).Str("bundle_id", bundleID).Msg("failed to persist bundle blob")
		}
	}

	return &b, nil
}

// checkEvolutionRules enforces that a tag's declared type is never
// redefined across versions of the same type_id, including versions
// carried by a different bundle (spec.md §4.5 schema evolution rules).
func checkEvolutionRules(old *bundleSet, bundleID string, b *Bundle) error {
	for _, d := range b.Descriptors {
		existingVersions := old.byTypeID[d.TypeID]
		for v, existing := range existingVersions {
			if v == d.Version {
				owner := ownerBundle(old, d.TypeID, v)
				if owner != "" && owner != bundleID {
					continue // republish of the same bundle_id fully replaces; cross-bundle version clash is allowed to proceed
				}
			}
			if err := sameTagsCompatible(existing, &d); err != nil {
				return apierr.InvalidDescriptor("%s: %v", d.TypeID, err)
			}
		}
	}
	return nil
}

func ownerBundle(bs *bundleSet, typeID string, version uint32) string {
	for id, b := range bs.bundles {
		for _, d := range b.Descriptors {
			if d.TypeID == typeID && d.Version == version {
				return id
			}
		}
	}
	return ""
}

func sameTagsCompatible(a, b *Descriptor) error {
	byTag := make(map[uint32]FieldSpec, len(a.Fields))
	for _, f := range a.Fields {
		byTag[f.Tag] = f
	}
	for _, f := range b.Fields {
		if prior, ok := byTag[f.Tag]; ok && prior.Type != f.Type {
			return fmt.Errorf("tag %d redefines type from %q to %q across versions", f.Tag, prior.Type, f.Type)
		}
	}
	return nil
}

// Resolve looks up (typeID, version) in the active bundle set. If no
// exact match exists it falls back to the newest version strictly lower
// than the requested one ("inherited" per spec.md §4.5); if none exists
// at all, it reports ResolvedUnresolved.
func (r *Registry) Resolve(typeID string, version uint32) (*Descriptor, ResolutionKind) {
	bs := r.current.Load()
	versions := bs.byTypeID[typeID]
	if versions == nil {
		return nil, ResolvedUnresolved
	}

	if d, ok := versions[version]; ok {
		return d, ResolvedExact
	}

	var best uint32
	var found bool
	for v := range versions {
		if v < version && (!found || v > best) {
			best, found = v, true
		}
	}
	if !found {
		return nil, ResolvedUnresolved
	}
	return versions[best], ResolvedInherited
}

// Enum returns the ordered label list for a published enum name.
func (r *Registry) Enum(name string) ([]string, bool) {
	bs := r.current.Load()
	labels, ok := bs.enumsByName[name]
	return labels, ok
}

// ListBundles returns the bundle ids currently published, sorted for
// deterministic API responses.
func (r *Registry) ListBundles() []string {
	bs := r.current.Load()
	ids := make([]string, 0, len(bs.bundles))
	for id := range bs.bundles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetBundle returns the currently published bundle with the given id.
func (r *Registry) GetBundle(bundleID string) (*Bundle, bool) {
	bs := r.current.Load()
	b, ok := bs.bundles[bundleID]
	return b, ok
}
