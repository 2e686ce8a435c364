package store

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/anansitrading/cxdb/internal/apierr"
)

var idempotencyBucket = []byte("idempotency")

// IdempotencyStore durably remembers which (context, idempotency key)
// pairs have already produced a turn, so a retried APPEND returns the
// original turn id instead of creating a duplicate (spec.md §4.4 step 2).
// Entries older than the configured TTL are dropped by Sweep, since
// clients are only expected to retry within a bounded window.
type IdempotencyStore struct {
	db  *bolt.DB
	ttl time.Duration
	log zerolog.Logger
}

// OpenIdempotencyStore opens (creating if necessary) the idempotency
// dedup table.
func OpenIdempotencyStore(dir string, ttl time.Duration, log zerolog.Logger) (*IdempotencyStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apierr.Internal(err, "idempotency store: mkdir")
	}
	db, err := bolt.Open(filepath.Join(dir, "idempotency.bbolt"), 0o644, nil)
	if err != nil {
		return nil, apierr.Internal(err, "idempotency store: open")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(idempotencyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, apierr.Internal(err, "idempotency store: init bucket")
	}

	return &IdempotencyStore{db: db, ttl: ttl, log: log.With().Str("component", "idempotency").Logger()}, nil
}

func idempotencyKey(contextID ContextID, key []byte) []byte {
	k := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(k[:8], uint64(contextID))
	copy(k[8:], key)
	return k
}

// Lookup returns the turn id previously recorded for (contextID, key), if
// any and if it has not expired.
func (is *IdempotencyStore) Lookup(contextID ContextID, key []byte) (TurnID, bool, error) {
	if len(key) == 0 {
		return 0, false, nil
	}

	var turnID TurnID
	var found bool
	err := is.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(idempotencyBucket)
		v := b.Get(idempotencyKey(contextID, key))
		if v == nil || len(v) < 16 {
			return nil
		}
		recordedAt := int64(binary.BigEndian.Uint64(v[8:16]))
		if is.ttl > 0 && time.Since(time.UnixMilli(recordedAt)) > is.ttl {
			return nil
		}
		turnID = TurnID(binary.BigEndian.Uint64(v[0:8]))
		found = true
		return nil
	})
	if err != nil {
		return 0, false, apierr.Internal(err, "idempotency store: lookup")
	}
	return turnID, found, nil
}

// Record durably associates (contextID, key) with turnID at the current
// time, for future Lookup calls and TTL-based eviction.
func (is *IdempotencyStore) Record(contextID ContextID, key []byte, turnID TurnID) error {
	if len(key) == 0 {
		return nil
	}

	var v [16]byte
	binary.BigEndian.PutUint64(v[0:8], uint64(turnID))
	binary.BigEndian.PutUint64(v[8:16], uint64(NowUnixMS()))

	err := is.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(idempotencyBucket)
		return b.Put(idempotencyKey(contextID, key), v[:])
	})
	if err != nil {
		return apierr.Internal(err, "idempotency store: record")
	}
	return nil
}

// Sweep removes entries older than the configured TTL. It is intended to
// be called periodically from a background goroutine.
func (is *IdempotencyStore) Sweep() (int, error) {
	if is.ttl <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-is.ttl)
	var removed int

	err := is.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(idempotencyBucket)
		c := b.Cursor()
		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 16 {
				continue
			}
			recordedAt := int64(binary.BigEndian.Uint64(v[8:16]))
			if time.UnixMilli(recordedAt).Before(cutoff) {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				stale = append(stale, keyCopy)
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, apierr.Internal(err, "idempotency store: sweep")
	}

	if removed > 0 {
		is.log.Debug().Int("removed", removed).Msg("swept expired idempotency entries")
	}

	return removed, nil
}

// Close closes the underlying bbolt database.
func (is *IdempotencyStore) Close() error {
	return is.db.Close()
}
