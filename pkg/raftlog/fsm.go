package raftlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/jmap-core/jmapd/pkg/changelog"
	"github.com/jmap-core/jmapd/pkg/events"
	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/log"
	"github.com/jmap-core/jmapd/pkg/metrics"
	"github.com/jmap-core/jmapd/pkg/types"
)

// FSM is the Raft finite state machine for the document store. Every
// committed Command is applied to the same kv.Store that serves reads, so
// once Apply returns, the mutation is visible to any subsequent
// transaction on this node.
type FSM struct {
	mu      sync.RWMutex
	store   *kv.Store
	log     *changelog.Log
	commits *events.CommitWatch
}

// NewFSM wraps a kv.Store and change log with Raft apply/snapshot semantics.
// commits is published to after every successful Apply so synchronous
// commit-wait callers (C5) observe the new index without polling.
func NewFSM(store *kv.Store, log *changelog.Log, commits *events.CommitWatch) *FSM {
	return &FSM{store: store, log: log, commits: commits}
}

// Mutation is one raw column-family write or delete, independent of any
// particular document or property encoding — pkg/orm and pkg/blob each
// produce their own Mutations from a WritePlan, but the FSM only needs to
// know where bytes go.
type Mutation struct {
	CF     kv.ColumnFamily `json:"cf"`
	Key    []byte          `json:"key"`
	Value  []byte          `json:"value,omitempty"`
	Delete bool            `json:"delete,omitempty"`
}

// TagOp is one Roaring bitmap membership flip against a Bitmaps key.
// Unlike Mutation, this carries a logical add/remove rather than a raw
// byte blob: the FSM reads-modifies-writes the bitmap itself inside the
// same transaction, so concurrently committed TagOps against the same
// key never clobber each other's pre-image the way a precomputed byte
// blob proposed ahead of consensus would.
type TagOp struct {
	CF     kv.ColumnFamily `json:"cf"`
	Key    []byte          `json:"key"`
	Value  uint32          `json:"value"`
	Remove bool            `json:"remove,omitempty"`
}

// Command is the unit of Raft replication: one committed Command applies
// a batch of column-family mutations and bitmap tag flips, and appends
// change-log deltas for one or more collections, atomically, in the same
// bbolt transaction. Deltas is keyed by collection rather than scoped to
// a single Account/Collection pair because a single write can touch a
// second collection's change log — toggling Mail's $seen keyword reports
// the containing Mailboxes as child-updated, which lands in Mailbox's
// own change log, not Mail's.
type Command struct {
	Account    types.AccountID             `json:"account"`
	Collection types.Collection            `json:"collection"`
	Mutations  []Mutation                  `json:"mutations"`
	TagOps     []TagOp                     `json:"tag_ops,omitempty"`
	Delta      *changelog.Delta            `json:"delta,omitempty"`
	ExtraDelta map[types.Collection]*changelog.Delta `json:"extra_delta,omitempty"`
}

// Apply applies one committed Raft log entry to the store. Raft guarantees
// serialized delivery, so the FSM's own lock only protects against
// Snapshot/Restore running concurrently with Apply.
func (f *FSM) Apply(l *raft.Log) interface{} {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.WithRaft(l.Term, l.Index).Error().Err(err).Msg("fsm: malformed command")
		return fmt.Errorf("raftlog: unmarshal command at index %d: %w", l.Index, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.store.Update(func(tx *kv.Tx) error {
		for _, m := range cmd.Mutations {
			if m.Delete {
				if err := tx.Delete(m.CF, m.Key); err != nil {
					return err
				}
				continue
			}
			if err := tx.Put(m.CF, m.Key, m.Value); err != nil {
				return err
			}
		}
		for _, t := range cmd.TagOps {
			bm, err := kv.TxGetBitmap(tx, t.CF, t.Key)
			if err != nil {
				return fmt.Errorf("apply tag op: %w", err)
			}
			if t.Remove {
				bm.Remove(t.Value)
			} else {
				bm.Add(t.Value)
			}
			if err := kv.TxPutBitmap(tx, t.CF, t.Key, bm); err != nil {
				return fmt.Errorf("persist tag op: %w", err)
			}
		}
		if cmd.Delta != nil {
			if _, err := f.log.Append(tx, cmd.Account, cmd.Collection, *cmd.Delta); err != nil {
				return fmt.Errorf("append change log: %w", err)
			}
		}
		for coll, d := range cmd.ExtraDelta {
			if d == nil {
				continue
			}
			if _, err := f.log.Append(tx, cmd.Account, coll, *d); err != nil {
				return fmt.Errorf("append change log for collection %d: %w", coll, err)
			}
		}
		return nil
	})
	if err != nil {
		log.WithRaft(l.Term, l.Index).Error().Err(err).Str("collection", cmd.Collection.String()).Msg("fsm: apply failed")
		return err
	}

	if f.commits != nil {
		f.commits.Publish(l.Index)
	}
	metrics.RaftAppliedIndex.Set(float64(l.Index))
	return nil
}

// Snapshot captures the entire kv.Store as a point-in-time FSMSnapshot.
// Unlike a per-collection or per-shard snapshot, this dumps every column
// family in one pass; the store is small enough (document metadata and
// indexes, not blob payloads, which live outside Raft entirely) that a
// full dump keeps Restore simple and exactly reproducible.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dump := &storeSnapshot{Buckets: map[kv.ColumnFamily][]kvPair{}}
	for _, cf := range snapshotColumnFamilies {
		var pairs []kvPair
		err := f.store.IteratePrefix(cf, nil, false, func(key, value []byte) (bool, error) {
			pairs = append(pairs, kvPair{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
			return true, nil
		})
		if err != nil {
			return nil, fmt.Errorf("raftlog: snapshot column family %s: %w", cf, err)
		}
		dump.Buckets[cf] = pairs
	}
	return dump, nil
}

// Restore replaces the entire kv.Store with the contents of a snapshot
// taken by Snapshot. Every column family is cleared first so a restore
// after partial local writes (a node rejoining after being gone) cannot
// leave stale keys behind.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var dump storeSnapshot
	if err := json.NewDecoder(rc).Decode(&dump); err != nil {
		return fmt.Errorf("raftlog: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.store.Update(func(tx *kv.Tx) error {
		for _, cf := range snapshotColumnFamilies {
			if err := clearColumnFamily(tx, cf); err != nil {
				return fmt.Errorf("clear column family %s: %w", cf, err)
			}
		}
		for cf, pairs := range dump.Buckets {
			for _, p := range pairs {
				if err := tx.Put(cf, p.Key, p.Value); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// snapshotColumnFamilies lists every bucket carried in a Raft snapshot.
// CFBlobs holds only blob refcount metadata (not payload bytes, which
// live on local disk under pkg/blob's shard layout and are reconciled
// out-of-band), so it is included like any other metadata bucket.
var snapshotColumnFamilies = []kv.ColumnFamily{
	kv.CFValues, kv.CFIndexes, kv.CFBitmaps, kv.CFBlobs, kv.CFLogs, kv.CFTerms,
}

func clearColumnFamily(tx *kv.Tx, cf kv.ColumnFamily) error {
	var keys [][]byte
	err := tx.IterateForward(cf, nil, func(key, _ []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), key...))
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Delete(cf, k); err != nil {
			return err
		}
	}
	return nil
}

type kvPair struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

type storeSnapshot struct {
	Buckets map[kv.ColumnFamily][]kvPair `json:"buckets"`
}

// Persist writes the snapshot to the Raft-provided sink as JSON, matching
// the encode-then-sink-close pattern Raft's FileSnapshotStore expects.
func (s *storeSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release is a no-op; the snapshot holds no resources beyond its own memory.
func (s *storeSnapshot) Release() {}
