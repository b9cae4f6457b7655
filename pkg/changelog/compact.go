package changelog

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/types"
)

// CompactLog folds every change-log entry for (account, collection) up to
// and including upToChangeID into a single KindSnapshot entry recording
// the net set of present document ids, then deletes the folded raw
// entries. Entries after upToChangeID are left untouched.
//
// Compacting a range that contains no entries at all is a no-op, not an
// error: an idle collection can be compacted repeatedly. Compacting past
// a changeId that does not exist, however, is rejected outright rather
// than silently clamped, since it almost always indicates the caller
// computed upToChangeID from a different collection or a stale state
// token.
func CompactLog(store *kv.Store, account types.AccountID, collection types.Collection, upToChangeID uint64) error {
	return store.Update(func(tx *kv.Tx) error {
		prefix := ChangePrefix(account, collection)

		present := roaring.NewBitmap()
		var keysToDelete [][]byte
		var sawAny bool
		var highestSeen uint64

		err := tx.IterateForward(kv.CFLogs, prefix, func(key, value []byte) (bool, error) {
			changeID := decodeChangeID(key)
			if changeID > upToChangeID {
				return false, nil
			}
			sawAny = true
			highestSeen = changeID

			kind, delta, snapshot, err := decodeEntry(value)
			if err != nil {
				return false, fmt.Errorf("changelog: decode changeId %d: %w", changeID, err)
			}
			switch kind {
			case KindSnapshot:
				present.Or(snapshot)
			case KindDelta:
				for _, id := range delta.Inserted {
					present.Add(uint32(id))
				}
				for _, id := range delta.Destroyed {
					present.Remove(uint32(id))
				}
			}
			keysToDelete = append(keysToDelete, append([]byte(nil), key...))
			return true, nil
		})
		if err != nil {
			return err
		}
		if !sawAny {
			return nil
		}
		if highestSeen < upToChangeID {
			return fmt.Errorf("changelog: compact up to changeId %d: no such changeId for account %d collection %s", upToChangeID, account, collection)
		}

		for _, key := range keysToDelete {
			if err := tx.Delete(kv.CFLogs, key); err != nil {
				return err
			}
		}

		encoded, err := encodeSnapshot(present)
		if err != nil {
			return err
		}
		return tx.Put(kv.CFLogs, ChangeKey(account, collection, upToChangeID), encoded)
	})
}
