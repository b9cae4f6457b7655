package blob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jmap-core/jmapd/pkg/kv"
)

// ErrNotFound is returned by GetRange when the blob id has no metadata
// entry (it was never written, or has already been reaped).
var ErrNotFound = errors.New("blob: not found")

// Store is the on-disk, refcounted blob store. It holds a shared
// reference to the KV store for metadata and is safe to use
// concurrently from many goroutines: per-id critical sections are
// striped over the KV store's MutexMap, and concurrent Puts of the same
// content are additionally deduplicated by an in-process singleflight
// group so only one goroutine ever does the actual file write.
type Store struct {
	kv           *kv.Store
	baseDir      string
	nestedLevels int
	gracePeriod  time.Duration
	inflight     singleflight.Group
}

// Open prepares a blob store rooted at baseDir, backed by store for
// refcount metadata. nestedLevels is clamped to [1,5].
func Open(store *kv.Store, baseDir string, nestedLevels int, gracePeriod time.Duration) (*Store, error) {
	if nestedLevels < 1 {
		nestedLevels = 1
	}
	if nestedLevels > 5 {
		nestedLevels = 5
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("blob: create base dir: %w", err)
	}
	return &Store{kv: store, baseDir: baseDir, nestedLevels: nestedLevels, gracePeriod: gracePeriod}, nil
}

func (s *Store) path(id ID) string {
	segments := id.ShardPath(s.nestedLevels)
	parts := make([]string, 0, len(segments)+2)
	parts = append(parts, s.baseDir)
	parts = append(parts, segments...)
	parts = append(parts, id.Hex())
	return filepath.Join(parts...)
}

// meta is the refcount and zero-transition bookkeeping stored per blob
// id in kv.CFBlobs: refcount(8 big-endian) | zeroSinceUnix(8 big-endian,
// 0 if the blob has never hit a zero refcount).
type meta struct {
	refCount  uint64
	zeroSince int64
}

func encodeMeta(m meta) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], m.refCount)
	binary.BigEndian.PutUint64(buf[8:16], uint64(m.zeroSince))
	return buf
}

func decodeMeta(data []byte) (meta, error) {
	if len(data) != 16 {
		return meta{}, fmt.Errorf("blob: corrupt metadata (%d bytes)", len(data))
	}
	return meta{
		refCount:  binary.BigEndian.Uint64(data[0:8]),
		zeroSince: int64(binary.BigEndian.Uint64(data[8:16])),
	}, nil
}

// Put writes payload idempotently: a second Put of identical bytes
// bumps the refcount rather than writing the file again, and reports
// existed=true.
func (s *Store) Put(payload []byte) (id ID, existed bool, err error) {
	id = Of(payload)
	unlock := s.kv.Mutexes().Lock(id.Bytes())
	defer unlock()

	result, err, _ := s.inflight.Do(id.Hex(), func() (interface{}, error) {
		var existedAlready bool
		err := s.kv.Update(func(tx *kv.Tx) error {
			m, err := s.txGetMeta(tx, id)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err == nil {
				existedAlready = true
				m.refCount++
				m.zeroSince = 0
				return tx.Put(kv.CFBlobs, id.Bytes(), encodeMeta(m))
			}
			if writeErr := s.writeFile(id, payload); writeErr != nil {
				return writeErr
			}
			return tx.Put(kv.CFBlobs, id.Bytes(), encodeMeta(meta{refCount: 1}))
		})
		return existedAlready, err
	})
	if err != nil {
		return ID{}, false, err
	}
	return id, result.(bool), nil
}

func (s *Store) writeFile(id ID, payload []byte) error {
	path := s.path(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("blob: create shard dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("blob: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(payload); err != nil {
		return fmt.Errorf("blob: write %s: %w", path, err)
	}
	return f.Sync()
}

func (s *Store) txGetMeta(tx *kv.Tx, id ID) (meta, error) {
	data, err := tx.Get(kv.CFBlobs, id.Bytes())
	if errors.Is(err, kv.ErrNotFound) {
		return meta{}, ErrNotFound
	}
	if err != nil {
		return meta{}, err
	}
	return decodeMeta(data)
}

// GetRange returns payload[start:end), clamping end to the blob's length
// (end == math.MaxUint64 means "to EOF"). Returns ErrNotFound if the id
// has no live metadata entry.
func (s *Store) GetRange(id ID, start, end uint64) ([]byte, error) {
	_, err := s.kv.Get(kv.CFBlobs, id.Bytes())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", id, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := uint64(info.Size())

	if start >= size {
		return []byte{}, nil
	}
	if end > size {
		end = size
	}
	if end < start {
		end = start
	}

	if _, err := f.Seek(int64(start), io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, end-start)
	if _, err := io.ReadFull(f, buf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("blob: read %s: %w", id, err)
	}
	return buf, nil
}

// MaxEnd is the get_range sentinel meaning "through EOF".
const MaxEnd = ^uint64(0)

// Delete decrements id's refcount. When the count reaches zero the blob
// is marked with the current time rather than unlinked immediately;
// Reap performs the actual unlink once the grace period has elapsed.
func (s *Store) Delete(id ID) error {
	unlock := s.kv.Mutexes().Lock(id.Bytes())
	defer unlock()

	return s.kv.Update(func(tx *kv.Tx) error {
		m, err := s.txGetMeta(tx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if m.refCount > 0 {
			m.refCount--
		}
		if m.refCount == 0 && m.zeroSince == 0 {
			m.zeroSince = time.Now().Unix()
		}
		return tx.Put(kv.CFBlobs, id.Bytes(), encodeMeta(m))
	})
}

// RefCount reports id's current reference count, or 0 if it has no
// metadata entry.
func (s *Store) RefCount(id ID) (uint64, error) {
	m, err := s.getMeta(id)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return m.refCount, nil
}

func (s *Store) getMeta(id ID) (meta, error) {
	var m meta
	err := s.kv.View(func(tx *kv.Tx) error {
		var err error
		m, err = s.txGetMeta(tx, id)
		return err
	})
	return m, err
}

// Reap physically removes every blob whose refcount has been zero for
// longer than the configured grace period, as of now. It returns the
// number of blobs removed.
func (s *Store) Reap(now time.Time) (int, error) {
	var toRemove []ID

	err := s.kv.IteratePrefix(kv.CFBlobs, nil, false, func(key, value []byte) (bool, error) {
		m, err := decodeMeta(value)
		if err != nil {
			return false, err
		}
		if m.refCount != 0 || m.zeroSince == 0 {
			return true, nil
		}
		if now.Sub(time.Unix(m.zeroSince, 0)) < s.gracePeriod {
			return true, nil
		}
		id, err := ParseID(key)
		if err != nil {
			return false, err
		}
		toRemove = append(toRemove, id)
		return true, nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range toRemove {
		unlock := s.kv.Mutexes().Lock(id.Bytes())
		err := s.kv.Update(func(tx *kv.Tx) error {
			m, err := s.txGetMeta(tx, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if m.refCount != 0 || m.zeroSince == 0 || now.Sub(time.Unix(m.zeroSince, 0)) < s.gracePeriod {
				return nil
			}
			if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("blob: remove %s: %w", id, err)
			}
			return tx.Delete(kv.CFBlobs, id.Bytes())
		})
		unlock()
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
