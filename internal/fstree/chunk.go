package fstree

import (
	"github.com/anansitrading/cxdb/internal/apierr"
	"github.com/anansitrading/cxdb/internal/codec/canon"
	"github.com/anansitrading/cxdb/internal/store"
)

// DefaultChunkSize is the size CXDB splits oversized files into before
// storing each piece as its own blob, mirroring the teacher's
// content.DefaultChunkSize split point (grounded in pkg/content/chunker.go).
const DefaultChunkSize = 4 * 1024 * 1024

// FileManifest records how an oversized file's bytes were split into
// chunk blobs, in order, so GetFile can reassemble them deterministically.
// Small files that fit in a single blob never need a manifest: their
// DirEntry.Digest addresses the file's bytes directly.
type FileManifest struct {
	TotalSize  uint64         `msgpack:"total_size"`
	ChunkSize  uint32         `msgpack:"chunk_size"`
	Chunks     []store.Digest `msgpack:"chunks"`
}

// manifestMarker is prepended to a manifest's encoding so ReadFileContent
// can distinguish "this blob is a manifest" from "this blob is the file's
// own bytes" without a side channel. The marker alone does not rule out
// a collision with file content that happens to start with the same four
// bytes; ReadFileContent also compares the stored length with the
// entry's size.
var manifestMarker = [4]byte{0xC9, 0x58, 0x44, 0x42} // "cxdb manifest" tag, arbitrary non-file-data prefix

// ChunkFile splits data into DefaultChunkSize pieces, stores each as a
// blob, stores a manifest listing them, and returns the manifest blob's
// digest. Callers
// store the manifest digest as the DirEntry's Digest and set Size to
// len(data); GetFile/ReadFileContent know to follow the manifest.
func ChunkFile(blobs *store.BlobStore, data []byte) (store.Digest, error) {
	var chunkDigests []store.Digest
	for offset := 0; offset < len(data); offset += DefaultChunkSize {
		end := offset + DefaultChunkSize
		if end > len(data) {
			end = len(data)
		}
		digest, err := blobs.Put(data[offset:end])
		if err != nil {
			return store.Digest{}, err
		}
		chunkDigests = append(chunkDigests, digest)
	}

	manifest := FileManifest{
		TotalSize: uint64(len(data)),
		ChunkSize: DefaultChunkSize,
		Chunks:    chunkDigests,
	}

	body, err := canon.Marshal(&manifest)
	if err != nil {
		return store.Digest{}, apierr.Internal(err, "fstree: encode file manifest")
	}

	tagged := make([]byte, 0, len(manifestMarker)+len(body))
	tagged = append(tagged, manifestMarker[:]...)
	tagged = append(tagged, body...)

	return blobs.Put(tagged)
}

// ReadFileContent returns the bytes addressed by digest, transparently
// reassembling them from a chunk manifest when the stored blob's length
// differs from expectedSize and it starts with manifestMarker (a
// single-blob file's stored bytes always equal expectedSize exactly).
func ReadFileContent(blobs *store.BlobStore, digest store.Digest, expectedSize uint64) ([]byte, error) {
	raw, err := blobs.Get(digest)
	if err != nil {
		return nil, err
	}

	if uint64(len(raw)) == expectedSize || !hasManifestMarker(raw) {
		return raw, nil
	}

	var manifest FileManifest
	if err := canon.Unmarshal(raw[len(manifestMarker):], &manifest); err != nil {
		return nil, apierr.Corrupted("fstree: malformed file manifest at %s: %v", digest, err)
	}

	out := make([]byte, 0, manifest.TotalSize)
	for _, chunkDigest := range manifest.Chunks {
		chunk, err := blobs.Get(chunkDigest)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}

	if uint64(len(out)) != manifest.TotalSize {
		return nil, apierr.Corrupted("fstree: reassembled file %s has length %d, manifest declares %d", digest, len(out), manifest.TotalSize)
	}

	return out, nil
}

func hasManifestMarker(data []byte) bool {
	if len(data) < len(manifestMarker) {
		return false
	}
	for i, b := range manifestMarker {
		if data[i] != b {
			return false
		}
	}
	return true
}
