package kv

import (
	"bytes"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Store is the bbolt-backed implementation of the C1 ordered KV contract.
// Unlike the teacher's per-entity CRUD methods, callers address data by
// column family and raw key — pkg/orm, pkg/changelog, and pkg/blob own the
// key encoding.
type Store struct {
	db      *bolt.DB
	mutexes *MutexMap
}

// Open creates or opens the bbolt file at <dataDir>/jmap.db and ensures all
// column-family buckets exist.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "jmap.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, cf := range columnFamilies {
			if _, err := tx.CreateBucketIfNotExists([]byte(cf)); err != nil {
				return fmt.Errorf("create bucket %s: %w", cf, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, mutexes: NewMutexMap(256)}, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Mutexes exposes the store's striped mutex map so callers (pkg/orm for
// per-document edits, pkg/blob for per-hash writes) can serialize
// critical sections without a lock per key.
func (s *Store) Mutexes() *MutexMap {
	return s.mutexes
}

// Tx is a single atomic transaction spanning every column family. All
// mutations submitted through one Tx commit or fail together.
type Tx struct {
	tx *bolt.Tx
}

func (t *Tx) bucket(cf ColumnFamily) *bolt.Bucket {
	return t.tx.Bucket([]byte(cf))
}

// Get reads key from cf. Returns ErrNotFound if absent.
func (t *Tx) Get(cf ColumnFamily, key []byte) ([]byte, error) {
	v := t.bucket(cf).Get(key)
	if v == nil {
		return nil, ErrNotFound
	}
	// bbolt's Get result is only valid for the lifetime of the
	// transaction; copy it out so callers can hold onto it afterward.
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put writes key=value into cf, overwriting any existing value.
func (t *Tx) Put(cf ColumnFamily, key, value []byte) error {
	return t.bucket(cf).Put(key, value)
}

// Delete removes key from cf. Deleting an absent key is a no-op.
func (t *Tx) Delete(cf ColumnFamily, key []byte) error {
	return t.bucket(cf).Delete(key)
}

// IterateForward walks all keys in cf with the given prefix in ascending
// order, calling fn for each. An empty prefix walks the whole bucket.
func (t *Tx) IterateForward(cf ColumnFamily, prefix []byte, fn IterFunc) error {
	c := t.bucket(cf).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		more, err := fn(k, v)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

// IterateBackward walks all keys in cf with the given prefix in
// descending order, calling fn for each.
func (t *Tx) IterateBackward(cf ColumnFamily, prefix []byte, fn IterFunc) error {
	c := t.bucket(cf).Cursor()

	// Position the cursor at the first key strictly greater than any key
	// with this prefix, then step backward into the prefix range.
	upperBound := prefixUpperBound(prefix)
	var k, v []byte
	if upperBound == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(upperBound)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}

	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
		more, err := fn(k, v)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

// prefixUpperBound returns the smallest key that is strictly greater than
// every key with the given prefix, or nil if prefix is all 0xff bytes (no
// finite upper bound exists, so callers fall back to Last()).
func prefixUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] != 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Update runs fn in a read-write transaction that commits atomically if fn
// returns nil, or rolls back entirely if it returns an error. This is the
// only way to mutate the store — there is no separate "write batch" type
// because a bbolt transaction already is one, spanning every column
// family, exactly matching the "atomic from the client's point of view"
// requirement on write batches.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Get is a convenience wrapper around View for a single read.
func (s *Store) Get(cf ColumnFamily, key []byte) ([]byte, error) {
	var out []byte
	err := s.View(func(tx *Tx) error {
		v, err := tx.Get(cf, key)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Put is a convenience wrapper around Update for a single write.
func (s *Store) Put(cf ColumnFamily, key, value []byte) error {
	return s.Update(func(tx *Tx) error {
		return tx.Put(cf, key, value)
	})
}

// Delete is a convenience wrapper around Update for a single delete.
func (s *Store) Delete(cf ColumnFamily, key []byte) error {
	return s.Update(func(tx *Tx) error {
		return tx.Delete(cf, key)
	})
}

// IteratePrefix runs a read-only prefix scan, forward or backward.
func (s *Store) IteratePrefix(cf ColumnFamily, prefix []byte, backward bool, fn IterFunc) error {
	return s.View(func(tx *Tx) error {
		if backward {
			return tx.IterateBackward(cf, prefix, fn)
		}
		return tx.IterateForward(cf, prefix, fn)
	})
}
