package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/anansitrading/cxdb/internal/apierr"
	"github.com/anansitrading/cxdb/internal/codec/canon"
)

const (
	flagCompressed uint8 = 1 << 0

	// compressionThreshold is the minimum number of bytes a zstd pass must
	// save before CXDB stores the compressed form, per spec.md §4.1
	// ("strictly smaller than raw-size minus a small threshold").
	compressionThreshold = 16
)

// blobRecordHeader is the fixed on-disk prefix of every packed blob record:
// [flags u8][compressed_len u32][uncompressed_len u32][digest 32].
type blobRecordHeader struct {
	Flags           uint8
	CompressedLen   uint32
	UncompressedLen uint32
	Digest          Digest
}

const blobHeaderSize = 1 + 4 + 4 + DigestSize

type blobIndexEntry struct {
	Offset          int64  `msgpack:"offset"`
	CompressedLen   uint32 `msgpack:"compressed_len"`
	UncompressedLen uint32 `msgpack:"uncompressed_len"`
	Flags           uint8  `msgpack:"flags"`
}

// BlobStore is CXDB's content-addressed, deduplicating byte store
// (spec.md §4.1). A single packed file grows by append under packMu; the
// in-memory index is safe for concurrent readers.
type BlobStore struct {
	dir       string
	zstdLevel int
	maxBytes  uint32
	log       zerolog.Logger

	packMu sync.Mutex
	pack   *os.File
	offset int64

	idxMu sync.RWMutex
	index map[Digest]blobIndexEntry

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// OpenBlobStore opens (creating if necessary) the packed blob file and
// in-memory index under dir, recovering the index from any persisted
// snapshot/tail or, failing that, by scanning the pack from the start.
func OpenBlobStore(dir string, zstdLevel int, maxBytes uint32, log zerolog.Logger) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob store: mkdir: %w", err)
	}

	pack, err := os.OpenFile(filepath.Join(dir, "pack.bin"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blob store: open pack: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)))
	if err != nil {
		pack.Close()
		return nil, fmt.Errorf("blob store: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		pack.Close()
		return nil, fmt.Errorf("blob store: zstd decoder: %w", err)
	}

	bs := &BlobStore{
		dir:       dir,
		zstdLevel: zstdLevel,
		maxBytes:  maxBytes,
		log:       log.With().Str("component", "blobstore").Logger(),
		pack:      pack,
		index:     make(map[Digest]blobIndexEntry),
		encoder:   enc,
		decoder:   dec,
	}

	if err := bs.recover(); err != nil {
		pack.Close()
		return nil, err
	}

	return bs, nil
}

// recover loads the index, preferring the persisted snapshot+tail and
// falling back to a full pack scan, per spec.md §4.1's recovery contract.
func (bs *BlobStore) recover() error {
	if err := bs.loadSnapshotAndTail(); err != nil {
		bs.log.Warn().Err(err).Msg("blob index snapshot unusable, rescanning pack")
		bs.index = make(map[Digest]blobIndexEntry)
		if err := bs.scanPack(0); err != nil {
			return err
		}
		return nil
	}
	// Scan forward from the offset implied by the loaded index to pick up
	// any records written after the last tail entry (e.g. a crash between
	// a pack write and its index tail append).
	return bs.scanPack(bs.offset)
}

func (bs *BlobStore) scanPack(from int64) error {
	info, err := bs.pack.Stat()
	if err != nil {
		return fmt.Errorf("blob store: stat pack: %w", err)
	}

	r := io.NewSectionReader(bs.pack, from, info.Size()-from)
	br := bufio.NewReader(r)
	offset := from

	for {
		hdr, err := readBlobHeader(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("blob store: corrupt pack at offset %d: %w", offset, err)
		}
		dataOffset := offset + blobHeaderSize
		if _, err := io.CopyN(io.Discard, br, int64(hdr.CompressedLen)); err != nil {
			return fmt.Errorf("blob store: truncated record at offset %d: %w", offset, err)
		}
		bs.index[hdr.Digest] = blobIndexEntry{
			Offset:          dataOffset,
			CompressedLen:   hdr.CompressedLen,
			UncompressedLen: hdr.UncompressedLen,
			Flags:           hdr.Flags,
		}
		offset = dataOffset + int64(hdr.CompressedLen)
	}

	bs.offset = offset
	return nil
}

func readBlobHeader(r io.Reader) (blobRecordHeader, error) {
	var buf [blobHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return blobRecordHeader{}, fmt.Errorf("truncated header: %w", err)
		}
		return blobRecordHeader{}, err
	}
	var hdr blobRecordHeader
	hdr.Flags = buf[0]
	hdr.CompressedLen = binary.LittleEndian.Uint32(buf[1:5])
	hdr.UncompressedLen = binary.LittleEndian.Uint32(buf[5:9])
	copy(hdr.Digest[:], buf[9:9+DigestSize])
	return hdr, nil
}

// Put stores data, deduplicating by digest and compressing with zstd when
// it saves at least compressionThreshold bytes (spec.md §4.1).
func (bs *BlobStore) Put(data []byte) (Digest, error) {
	if uint32(len(data)) > bs.maxBytes {
		return Digest{}, apierr.PayloadTooLarge("blob of %d bytes exceeds max %d", len(data), bs.maxBytes)
	}

	digest := ComputeDigest(data)

	bs.idxMu.RLock()
	_, exists := bs.index[digest]
	bs.idxMu.RUnlock()
	if exists {
		return digest, nil
	}

	compressed := bs.encoder.EncodeAll(data, nil)
	flags := uint8(0)
	stored := data
	if len(compressed) <= len(data)-compressionThreshold {
		flags |= flagCompressed
		stored = compressed
	}

	bs.packMu.Lock()
	defer bs.packMu.Unlock()

	// Re-check under the write lock: a concurrent Put for the same digest
	// may have landed between the optimistic check above and here.
	bs.idxMu.RLock()
	_, exists = bs.index[digest]
	bs.idxMu.RUnlock()
	if exists {
		return digest, nil
	}

	hdr := make([]byte, blobHeaderSize)
	hdr[0] = flags
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(stored)))
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(data)))
	copy(hdr[9:9+DigestSize], digest[:])

	writeOffset := bs.offset
	if _, err := bs.pack.WriteAt(hdr, writeOffset); err != nil {
		return Digest{}, apierr.Internal(err, "blob store: write header")
	}
	if _, err := bs.pack.WriteAt(stored, writeOffset+blobHeaderSize); err != nil {
		return Digest{}, apierr.Internal(err, "blob store: write body")
	}
	if err := bs.pack.Sync(); err != nil {
		return Digest{}, apierr.Internal(err, "blob store: sync pack")
	}

	entry := blobIndexEntry{
		Offset:          writeOffset + blobHeaderSize,
		CompressedLen:   uint32(len(stored)),
		UncompressedLen: uint32(len(data)),
		Flags:           flags,
	}
	bs.offset = writeOffset + blobHeaderSize + int64(len(stored))

	bs.idxMu.Lock()
	bs.index[digest] = entry
	bs.idxMu.Unlock()

	if err := bs.appendTail(digest, entry); err != nil {
		// The blob itself is durable; a lost tail entry only means a
		// rescan-on-recovery, so this is logged but not fatal.
		bs.log.Warn().Err(err).Str("digest", digest.String()).Msg("failed to append blob index tail")
	}

	return digest, nil
}

// Get returns the exact bytes originally passed to Put, verifying
// integrity by re-hashing on read (spec.md §4.1, §7 CORRUPTED).
func (bs *BlobStore) Get(digest Digest) ([]byte, error) {
	bs.idxMu.RLock()
	entry, ok := bs.index[digest]
	bs.idxMu.RUnlock()
	if !ok {
		return nil, apierr.NotFound("blob %s not found", digest)
	}

	stored := make([]byte, entry.CompressedLen)
	if _, err := bs.pack.ReadAt(stored, entry.Offset); err != nil {
		return nil, apierr.Internal(err, "blob store: read blob %s", digest)
	}

	var data []byte
	if entry.Flags&flagCompressed != 0 {
		var err error
		data, err = bs.decoder.DecodeAll(stored, make([]byte, 0, entry.UncompressedLen))
		if err != nil {
			return nil, apierr.Corrupted("blob %s: zstd decode failed: %v", digest, err)
		}
	} else {
		data = stored
	}

	if uint32(len(data)) != entry.UncompressedLen {
		return nil, apierr.Corrupted("blob %s: length mismatch after decode: got %d want %d", digest, len(data), entry.UncompressedLen)
	}
	if recomputed := ComputeDigest(data); recomputed != digest {
		return nil, apierr.Corrupted("blob %s: digest mismatch on read, recomputed %s", digest, recomputed)
	}

	return data, nil
}

// Exists reports whether digest is present without reading its bytes.
func (bs *BlobStore) Exists(digest Digest) bool {
	bs.idxMu.RLock()
	defer bs.idxMu.RUnlock()
	_, ok := bs.index[digest]
	return ok
}

// Len returns the number of distinct blobs stored.
func (bs *BlobStore) Len() int {
	bs.idxMu.RLock()
	defer bs.idxMu.RUnlock()
	return len(bs.index)
}

// PackBytes returns the current size in bytes of the packed blob file.
func (bs *BlobStore) PackBytes() int64 {
	bs.packMu.Lock()
	defer bs.packMu.Unlock()
	return bs.offset
}

// Close flushes a final index snapshot and closes the pack file.
func (bs *BlobStore) Close() error {
	if err := bs.Snapshot(); err != nil {
		bs.log.Warn().Err(err).Msg("failed to snapshot blob index on close")
	}
	return bs.pack.Close()
}

type tailEntry struct {
	Digest Digest          `msgpack:"digest"`
	Entry  blobIndexEntry  `msgpack:"entry"`
}

func (bs *BlobStore) appendTail(digest Digest, entry blobIndexEntry) error {
	f, err := os.OpenFile(filepath.Join(bs.dir, "index.tail"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := canon.Marshal(tailEntry{Digest: digest, Entry: entry})
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// Snapshot persists the full index to index.snapshot and truncates the
// tail log. It runs only from Close; nothing calls it on a timer, so
// between closes every Put's index entry is kept in the tail log alone.
func (bs *BlobStore) Snapshot() error {
	bs.idxMu.RLock()
	snapshot := struct {
		Offset int64                      `msgpack:"offset"`
		Index  map[Digest]blobIndexEntry `msgpack:"index"`
	}{Offset: bs.offset, Index: bs.index}
	data, err := canon.Marshal(snapshot)
	bs.idxMu.RUnlock()
	if err != nil {
		return err
	}

	tmp := filepath.Join(bs.dir, "index.snapshot.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(bs.dir, "index.snapshot")); err != nil {
		return err
	}
	return os.Remove(filepath.Join(bs.dir, "index.tail"))
}

func (bs *BlobStore) loadSnapshotAndTail() error {
	data, err := os.ReadFile(filepath.Join(bs.dir, "index.snapshot"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snapshot struct {
		Offset int64                      `msgpack:"offset"`
		Index  map[Digest]blobIndexEntry `msgpack:"index"`
	}
	if err := canon.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	bs.index = snapshot.Index
	bs.offset = snapshot.Offset

	tailData, err := os.ReadFile(filepath.Join(bs.dir, "index.tail"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for pos := 0; pos < len(tailData); {
		if pos+4 > len(tailData) {
			break // truncated tail entry, ignore and let scanPack fill in
		}
		n := int(binary.LittleEndian.Uint32(tailData[pos : pos+4]))
		pos += 4
		if pos+n > len(tailData) {
			break
		}
		var te tailEntry
		if err := canon.Unmarshal(tailData[pos:pos+n], &te); err != nil {
			break
		}
		bs.index[te.Digest] = te.Entry
		if te.Entry.Offset+int64(te.Entry.CompressedLen) > bs.offset {
			bs.offset = te.Entry.Offset + int64(te.Entry.CompressedLen)
		}
		pos += n
	}

	return nil
}
