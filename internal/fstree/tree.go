// Package fstree implements CXDB's filesystem snapshots (spec.md §4.6):
// Merkle-hashed directory trees that can be attached to a turn via its
// fs_root_digest. Canonicalization (sorted entries, fixed mode/symlink
// encoding) makes semantically identical directories hash identically
// across machines and runs. Grounded in the teacher's pkg/content
// chunker/manifest pair for large-file handling and in internal/codec/canon
// for the canonical encoding discipline.
package fstree

import (
	"path"
	"strings"

	"github.com/anansitrading/cxdb/internal/apierr"
	"github.com/anansitrading/cxdb/internal/codec/canon"
	"github.com/anansitrading/cxdb/internal/store"
)

// EntryKind is the closed set of directory entry kinds.
type EntryKind uint8

const (
	KindFile EntryKind = iota
	KindDir
	KindSymlink
)

// DirEntry is one entry of a canonical directory object.
type DirEntry struct {
	Name       string     `msgpack:"name"`
	Kind       EntryKind  `msgpack:"kind"`
	Mode       uint32     `msgpack:"mode"`
	Size       uint64     `msgpack:"size"`
	Digest     store.Digest `msgpack:"digest"`
	LinkTarget string     `msgpack:"link_target,omitempty"`
}

// DirObject is a directory's canonical encoding: its entries sorted by
// name ascending (spec.md §4.6).
type DirObject struct {
	Entries []DirEntry `msgpack:"entries"`
}

// Marshal produces the canonical byte encoding of a directory object.
// Entries must already be name-sorted; Marshal re-sorts defensively so
// that an out-of-order caller still produces a stable digest.
func (d *DirObject) Marshal() ([]byte, error) {
	sorted := make([]DirEntry, len(d.Entries))
	copy(sorted, d.Entries)
	sortEntries(sorted)
	return canon.Marshal(&DirObject{Entries: sorted})
}

func sortEntries(entries []DirEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].Name > entries[j].Name; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Store canonically encodes d and inserts it as a blob, returning its
// content digest (the value to use as fs_root_digest, or as a child
// entry's Digest for a nested directory).
func Store(blobs *store.BlobStore, d *DirObject) (store.Digest, error) {
	data, err := d.Marshal()
	if err != nil {
		return store.Digest{}, apierr.Internal(err, "fstree: encode directory object")
	}
	return blobs.Put(data)
}

// fetchDirObject loads and decodes the directory object at digest.
func fetchDirObject(blobs *store.BlobStore, digest store.Digest) (*DirObject, error) {
	data, err := blobs.Get(digest)
	if err != nil {
		return nil, err
	}
	var d DirObject
	if err := canon.Unmarshal(data, &d); err != nil {
		return nil, apierr.Corrupted("fstree: directory object %s is not a valid canonical encoding: %v", digest, err)
	}
	return &d, nil
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

func findEntry(entries []DirEntry, name string) (DirEntry, bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case entries[mid].Name == name:
			return entries[mid], true
		case entries[mid].Name < name:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return DirEntry{}, false
}

// resolve walks rootDigest along path's components, returning the final
// entry and, if it is itself a directory, its decoded DirObject.
func resolve(blobs *store.BlobStore, rootDigest store.Digest, p string) (*DirEntry, *DirObject, error) {
	components := splitPath(p)

	dir, err := fetchDirObject(blobs, rootDigest)
	if err != nil {
		return nil, nil, err
	}

	if len(components) == 0 {
		return nil, dir, nil
	}

	var entry DirEntry
	for i, name := range components {
		found, ok := findEntry(dir.Entries, name)
		if !ok {
			return nil, nil, apierr.NotFound("fstree: path component %q not found", name)
		}
		entry = found

		isLast := i == len(components)-1
		if isLast {
			if entry.Kind == KindDir {
				dir, err = fetchDirObject(blobs, entry.Digest)
				if err != nil {
					return nil, nil, err
				}
				return &entry, dir, nil
			}
			return &entry, nil, nil
		}

		if entry.Kind != KindDir {
			return nil, nil, apierr.BadRequest("fstree: path component %q is not a directory", name)
		}
		dir, err = fetchDirObject(blobs, entry.Digest)
		if err != nil {
			return nil, nil, err
		}
	}

	return &entry, dir, nil
}

// ListDir resolves path under rootDigest and returns its entries
// (spec.md §4.6 list_dir). The root itself is addressed by path "" or "/".
func ListDir(blobs *store.BlobStore, rootDigest store.Digest, p string) ([]DirEntry, error) {
	components := splitPath(p)
	if len(components) == 0 {
		dir, err := fetchDirObject(blobs, rootDigest)
		if err != nil {
			return nil, err
		}
		return dir.Entries, nil
	}

	entry, dir, err := resolve(blobs, rootDigest, p)
	if err != nil {
		return nil, err
	}
	if entry.Kind != KindDir || dir == nil {
		return nil, apierr.BadRequest("fstree: path %q is not a directory", p)
	}
	return dir.Entries, nil
}

// FileResult is the outcome of GetFile for a regular file or symlink.
type FileResult struct {
	Bytes      []byte
	Kind       EntryKind
	Mode       uint32
	Size       uint64
	LinkTarget string
}

// GetFile resolves path under rootDigest to a file or symlink entry
// (spec.md §4.6 get_file). For a file it returns the bytes; large files
// whose content was chunked are transparently reassembled. For a symlink
// it returns LinkTarget and leaves Bytes nil.
func GetFile(blobs *store.BlobStore, rootDigest store.Digest, p string) (*FileResult, error) {
	entry, _, err := resolve(blobs, rootDigest, p)
	if err != nil {
		return nil, err
	}
	if entry.Kind == KindDir {
		return nil, apierr.BadRequest("fstree: path %q is a directory", p)
	}

	if entry.Kind == KindSymlink {
		return &FileResult{Kind: KindSymlink, Mode: entry.Mode, Size: entry.Size, LinkTarget: entry.LinkTarget}, nil
	}

	data, err := ReadFileContent(blobs, entry.Digest, entry.Size)
	if err != nil {
		return nil, err
	}

	return &FileResult{Bytes: data, Kind: KindFile, Mode: entry.Mode, Size: entry.Size}, nil
}
