package changelog

import (
	"fmt"

	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/types"
)

// Kind identifies the collapsed change kind recorded for one document id
// within a replayed range.
type Kind byte

const (
	kindInsert Kind = iota
	kindUpdate
	kindChildUpdate
	kindDelete
)

// Log is the per-store handle for appending to and querying the change
// log. One Log serves every (account, collection) pair; the pair is part
// of the key, not the handle.
type Log struct {
	store *kv.Store
}

// New wraps a kv.Store with change-log operations.
func New(store *kv.Store) *Log {
	return &Log{store: store}
}

// NextChangeID returns one past the highest existing changeId for the
// given (account, collection), or 1 if the log is empty. Callers append
// while holding the store's per-(account,collection) mutex so this stays
// race-free across the read-then-write.
func (l *Log) NextChangeID(tx *kv.Tx, account types.AccountID, collection types.Collection) (uint64, error) {
	var last uint64
	err := tx.IterateBackward(kv.CFLogs, ChangePrefix(account, collection), func(key, _ []byte) (bool, error) {
		last = decodeChangeID(key)
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// Append writes one Delta as a new change-log entry under the next
// changeId for (account, collection), returning the changeId used.
// Callers are expected to hold the store's mutex for this
// (account,collection) pair across NextChangeID+Append so concurrent
// appends serialize.
func (l *Log) Append(tx *kv.Tx, account types.AccountID, collection types.Collection, d Delta) (uint64, error) {
	changeID, err := l.NextChangeID(tx, account, collection)
	if err != nil {
		return 0, err
	}
	key := ChangeKey(account, collection, changeID)
	if err := tx.Put(kv.CFLogs, key, d.encode()); err != nil {
		return 0, err
	}
	return changeID, nil
}

// State returns the highest existing changeId for (account, collection),
// or 0 if the log is empty — the JMAP coordinator's get_state(), read
// outside any write transaction.
func (l *Log) State(account types.AccountID, collection types.Collection) (uint64, error) {
	var last uint64
	err := l.store.View(func(tx *kv.Tx) error {
		return tx.IterateBackward(kv.CFLogs, ChangePrefix(account, collection), func(key, _ []byte) (bool, error) {
			last = decodeChangeID(key)
			return false, nil
		})
	})
	return last, err
}

// ChangeSet is the collapsed result of replaying a changeId range: the
// minimal created/updated/destroyed sets a JMAP changes() call reports.
type ChangeSet struct {
	Created      []types.DocumentID
	Updated      []types.DocumentID
	Destroyed    []types.DocumentID
	FromChangeID uint64
	ToChangeID   uint64
	HasMore      bool
}

// All replays every change-log entry for (account, collection) from the
// beginning.
func (l *Log) All(account types.AccountID, collection types.Collection) (ChangeSet, error) {
	return l.rangeInclusive(account, collection, 1, ^uint64(0), 0)
}

// Since replays changes strictly after sinceChangeID.
func (l *Log) Since(account types.AccountID, collection types.Collection, sinceChangeID uint64) (ChangeSet, error) {
	return l.rangeInclusive(account, collection, sinceChangeID+1, ^uint64(0), 0)
}

// SinceInclusive replays changes from sinceChangeID onward, inclusive.
func (l *Log) SinceInclusive(account types.AccountID, collection types.Collection, sinceChangeID uint64) (ChangeSet, error) {
	return l.rangeInclusive(account, collection, sinceChangeID, ^uint64(0), 0)
}

// RangeInclusive replays [fromChangeID, toChangeID], capping the number
// of collapsed ids returned at maxChanges (0 means unlimited) and setting
// HasMore when the cap truncated the result.
func (l *Log) RangeInclusive(account types.AccountID, collection types.Collection, fromChangeID, toChangeID uint64, maxChanges int) (ChangeSet, error) {
	return l.rangeInclusive(account, collection, fromChangeID, toChangeID, maxChanges)
}

// rangeInclusive implements the collapse rules shared by every query
// form:
//
//   - an Update of an id still pending as Inserted in this range is
//     dropped (collapses to Insert);
//   - a later Update/Delete of the same id replaces an earlier
//     Update/Insert recorded for it in this range;
//   - a Delete of an id that was Inserted within this same range cancels
//     out entirely (never existed from the caller's point of view);
//   - ChildUpdate is tracked on an independent track and folded into
//     Updated at the end, unless the id is also Destroyed in range.
func (l *Log) rangeInclusive(account types.AccountID, collection types.Collection, fromChangeID, toChangeID uint64, maxChanges int) (ChangeSet, error) {
	state := make(map[types.DocumentID]Kind)
	childUpdated := make(map[types.DocumentID]struct{})
	order := make([]types.DocumentID, 0, 64)
	inOrder := make(map[types.DocumentID]struct{})
	addToOrder := func(id types.DocumentID) {
		if _, listed := inOrder[id]; !listed {
			inOrder[id] = struct{}{}
			order = append(order, id)
		}
	}

	touch := func(id types.DocumentID, k Kind) {
		addToOrder(id)
		prev, seen := state[id]
		switch k {
		case kindInsert:
			state[id] = kindInsert
		case kindDelete:
			if seen && prev == kindInsert {
				// Inserted and destroyed within the same range: net no-op.
				delete(state, id)
				delete(childUpdated, id)
				return
			}
			state[id] = kindDelete
		case kindUpdate:
			if !seen || prev != kindInsert {
				state[id] = kindUpdate
			}
		}
	}

	// lastChangeID tracks the changeId of the last entry actually folded
	// into state/order — the only changeId it is safe to resume from,
	// since every entry up to and including it has been fully applied.
	// When maxChanges truncates, the scan itself stops at this boundary
	// rather than continuing to the full range and slicing afterward, so
	// ToChangeID never points past data the caller hasn't received.
	var lastChangeID uint64
	truncated := false
	err := l.store.View(func(tx *kv.Tx) error {
		prefix := ChangePrefix(account, collection)
		return tx.IterateForward(kv.CFLogs, prefix, func(key, value []byte) (bool, error) {
			changeID := decodeChangeID(key)
			if changeID < fromChangeID {
				return true, nil
			}
			if changeID > toChangeID {
				return false, nil
			}
			kind, delta, snapshot, err := decodeEntry(value)
			if err != nil {
				return false, fmt.Errorf("changelog: decode changeId %d: %w", changeID, err)
			}
			if kind == KindSnapshot {
				it := snapshot.Iterator()
				for it.HasNext() {
					touch(types.DocumentID(it.Next()), kindInsert)
				}
			} else {
				for _, id := range delta.Inserted {
					touch(id, kindInsert)
				}
				for _, id := range delta.Updated {
					touch(id, kindUpdate)
				}
				for _, id := range delta.ChildUpdated {
					addToOrder(id)
					childUpdated[id] = struct{}{}
				}
				for _, id := range delta.Destroyed {
					touch(id, kindDelete)
				}
			}
			lastChangeID = changeID

			if maxChanges > 0 && len(order) >= maxChanges {
				truncated = true
				return false, nil
			}
			return true, nil
		})
	})
	if err != nil {
		return ChangeSet{}, err
	}

	cs := ChangeSet{FromChangeID: fromChangeID, ToChangeID: lastChangeID, HasMore: truncated}
	for _, id := range order {
		k, hasState := state[id]
		_, isChildUpdated := childUpdated[id]
		switch {
		case hasState && k == kindInsert:
			cs.Created = append(cs.Created, id)
		case hasState && k == kindDelete:
			cs.Destroyed = append(cs.Destroyed, id)
		case hasState && k == kindUpdate:
			cs.Updated = append(cs.Updated, id)
		case !hasState && isChildUpdated:
			cs.Updated = append(cs.Updated, id)
		}
	}
	return cs, nil
}
