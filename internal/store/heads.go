package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/anansitrading/cxdb/internal/apierr"
)

var headsBucket = []byte("heads")

// HeadTable durably maps each context to the turn id it currently points
// at. Updates go through a compare-and-swap so concurrent appends to the
// same context serialize without a pessimistic lock (spec.md §4.3,
// grounded in the teacher's dht store's bbolt-backed durable map idiom).
type HeadTable struct {
	db  *bolt.DB
	log zerolog.Logger
}

// OpenHeadTable opens (creating if necessary) the bbolt-backed head table.
func OpenHeadTable(dir string, log zerolog.Logger) (*HeadTable, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("head table: mkdir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "heads.bbolt"), 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("head table: open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(headsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("head table: init bucket: %w", err)
	}

	return &HeadTable{db: db, log: log.With().Str("component", "heads").Logger()}, nil
}

func contextKey(id ContextID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

// Get returns the current head turn id for contextID, and whether the
// context exists. A context created without any turns is found with
// head 0.
func (ht *HeadTable) Get(contextID ContextID) (TurnID, bool, error) {
	var head TurnID
	var found bool
	err := ht.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(headsBucket)
		v := b.Get(contextKey(contextID))
		if v == nil {
			return nil
		}
		found = true
		head = TurnID(binary.BigEndian.Uint64(v))
		return nil
	})
	if err != nil {
		return 0, false, apierr.Internal(err, "head table: get context %d", contextID)
	}
	return head, found, nil
}

// CreateContext registers a new, empty context. It is an error to create
// a context id that already has an entry (spec.md CTX_CREATE semantics).
func (ht *HeadTable) CreateContext(contextID ContextID) error {
	err := ht.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(headsBucket)
		if b.Get(contextKey(contextID)) != nil {
			return apierr.Conflict("context %d already exists", contextID)
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(0))
		return b.Put(contextKey(contextID), v[:])
	})
	if err != nil {
		if e, ok := apierr.As(err); ok {
			return e
		}
		return apierr.Internal(err, "head table: create context %d", contextID)
	}
	return nil
}

// AdvanceHead performs a compare-and-swap: it sets contextID's head to
// newHead only if the current head equals expectedHead. On mismatch it
// returns a *apierr.Error with CodeConflict carrying the actual current
// head, so the caller (internal/dag) can decide whether to retry or fail
// the append (spec.md §4.3, §4.4 step 6).
func (ht *HeadTable) AdvanceHead(contextID ContextID, expectedHead, newHead TurnID) error {
	err := ht.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(headsBucket)
		key := contextKey(contextID)
		v := b.Get(key)
		var current TurnID
		if v != nil {
			current = TurnID(binary.BigEndian.Uint64(v))
		} else if expectedHead != 0 {
			return apierr.NotFound("context %d not found", contextID)
		}

		if current != expectedHead {
			return apierr.Conflict("head moved: expected %d, found %d", expectedHead, current)
		}

		var newV [8]byte
		binary.BigEndian.PutUint64(newV[:], uint64(newHead))
		return b.Put(key, newV[:])
	})
	if err != nil {
		if e, ok := apierr.As(err); ok {
			return e
		}
		return apierr.Internal(err, "head table: advance context %d", contextID)
	}
	return nil
}

// ForkContext creates a new context whose initial head is parentHead,
// giving O(1) forking (spec.md §1, §4.4 CtxFork): no turns are copied,
// only a new head pointer is written.
func (ht *HeadTable) ForkContext(newContextID ContextID, parentHead TurnID) error {
	err := ht.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(headsBucket)
		key := contextKey(newContextID)
		if b.Get(key) != nil {
			return apierr.Conflict("context %d already exists", newContextID)
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(parentHead))
		return b.Put(key, v[:])
	})
	if err != nil {
		if e, ok := apierr.As(err); ok {
			return e
		}
		return apierr.Internal(err, "head table: fork context %d", newContextID)
	}
	return nil
}

// NextContextID allocates the next globally unique context id from a
// bbolt auto-increment sequence, durable across restarts.
func (ht *HeadTable) NextContextID() (ContextID, error) {
	var id ContextID
	err := ht.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(headsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = ContextID(seq)
		return nil
	})
	if err != nil {
		return 0, apierr.Internal(err, "head table: allocate context id")
	}
	return id, nil
}

// Close closes the underlying bbolt database.
func (ht *HeadTable) Close() error {
	return ht.db.Close()
}
