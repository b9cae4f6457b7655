package raftlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/raft"

	"github.com/jmap-core/jmapd/pkg/changelog"
	"github.com/jmap-core/jmapd/pkg/kv"
)

// logStore implements raft.LogStore and raft.StableStore directly on the
// document store's kv.CFLogs and kv.CFTerms buckets, so the Raft log lives
// in the same ordered KV substrate as everything else instead of a
// separate embedded database file. Log entries are keyed with
// changelog.RaftKey (kind | index) inside CFLogs, alongside — and
// distinguished from — the per-(account,collection) change-log entries
// that share the bucket; stable-store key/value and key/uint64 pairs
// (current term, last vote) live in CFTerms, which otherwise goes unused
// by the document model.
type logStore struct {
	store *kv.Store
}

func newLogStore(store *kv.Store) *logStore {
	return &logStore{store: store}
}

type logRecord struct {
	Term       uint64       `json:"term"`
	Type       raft.LogType `json:"type"`
	Data       []byte       `json:"data,omitempty"`
	Extensions []byte       `json:"extensions,omitempty"`
}

// FirstIndex returns the lowest index stored, or 0 if the log is empty.
func (l *logStore) FirstIndex() (uint64, error) {
	var first uint64
	err := l.store.IteratePrefix(kv.CFLogs, changelog.RaftPrefix, false, func(key, _ []byte) (bool, error) {
		first = changelog.DecodeRaftIndex(key)
		return false, nil
	})
	return first, err
}

// LastIndex returns the highest index stored, or 0 if the log is empty.
func (l *logStore) LastIndex() (uint64, error) {
	var last uint64
	err := l.store.IteratePrefix(kv.CFLogs, changelog.RaftPrefix, true, func(key, _ []byte) (bool, error) {
		last = changelog.DecodeRaftIndex(key)
		return false, nil
	})
	return last, err
}

// GetLog fills out log for the given index, or returns raft.ErrLogNotFound.
func (l *logStore) GetLog(index uint64, log *raft.Log) error {
	raw, err := l.store.Get(kv.CFLogs, changelog.RaftKey(index))
	if err == kv.ErrNotFound {
		return raft.ErrLogNotFound
	}
	if err != nil {
		return err
	}

	var rec logRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("raftlog: decode log entry %d: %w", index, err)
	}

	log.Index = index
	log.Term = rec.Term
	log.Type = rec.Type
	log.Data = rec.Data
	log.Extensions = rec.Extensions
	return nil
}

// StoreLog stores a single log entry.
func (l *logStore) StoreLog(log *raft.Log) error {
	return l.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores a batch of log entries atomically.
func (l *logStore) StoreLogs(logs []*raft.Log) error {
	return l.store.Update(func(tx *kv.Tx) error {
		for _, entry := range logs {
			rec := logRecord{Term: entry.Term, Type: entry.Type, Data: entry.Data, Extensions: entry.Extensions}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("raftlog: encode log entry %d: %w", entry.Index, err)
			}
			if err := tx.Put(kv.CFLogs, changelog.RaftKey(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRange removes every log entry with index in [min, max], used by
// Raft to truncate the log after a snapshot or on term conflicts.
func (l *logStore) DeleteRange(min, max uint64) error {
	return l.store.Update(func(tx *kv.Tx) error {
		var keys [][]byte
		err := tx.IterateForward(kv.CFLogs, changelog.RaftPrefix, func(key, _ []byte) (bool, error) {
			idx := changelog.DecodeRaftIndex(key)
			if idx >= min && idx <= max {
				keys = append(keys, append([]byte(nil), key...))
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := tx.Delete(kv.CFLogs, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Set stores an arbitrary stable-store byte value (e.g. last-vote candidate).
func (l *logStore) Set(key []byte, val []byte) error {
	return l.store.Put(kv.CFTerms, key, val)
}

// Get reads a stable-store byte value previously written by Set.
func (l *logStore) Get(key []byte) ([]byte, error) {
	val, err := l.store.Get(kv.CFTerms, key)
	if err == kv.ErrNotFound {
		return nil, nil
	}
	return val, err
}

// SetUint64 stores an arbitrary stable-store uint64 (e.g. current term).
func (l *logStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return l.Set(key, buf)
}

// GetUint64 reads a stable-store uint64 previously written by SetUint64.
func (l *logStore) GetUint64(key []byte) (uint64, error) {
	val, err := l.Get(key)
	if err != nil || val == nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(val), nil
}
