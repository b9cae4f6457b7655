package changelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/types"
)

const testAccount = types.AccountID(1)
const testCollection = types.CollectionMail

func openTestLog(t *testing.T) (*kv.Store, *Log) {
	t.Helper()
	dir := t.TempDir()
	store, err := kv.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, New(store)
}

func appendDelta(t *testing.T, store *kv.Store, l *Log, d Delta) uint64 {
	t.Helper()
	var changeID uint64
	err := store.Update(func(tx *kv.Tx) error {
		var err error
		changeID, err = l.Append(tx, testAccount, testCollection, d)
		return err
	})
	require.NoError(t, err)
	return changeID
}

func TestAppendAssignsSequentialChangeIDs(t *testing.T) {
	store, l := openTestLog(t)

	c1 := appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{1}})
	c2 := appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{2}})
	assert.Equal(t, uint64(1), c1)
	assert.Equal(t, uint64(2), c2)
}

func TestInsertThenUpdateCollapsesToCreated(t *testing.T) {
	store, l := openTestLog(t)
	appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{1}})
	appendDelta(t, store, l, Delta{Updated: []types.DocumentID{1}})

	cs, err := l.All(testAccount, testCollection)
	require.NoError(t, err)
	assert.Equal(t, []types.DocumentID{1}, cs.Created)
	assert.Empty(t, cs.Updated)
	assert.Empty(t, cs.Destroyed)
}

func TestInsertThenDestroyInSameRangeCancelsOut(t *testing.T) {
	store, l := openTestLog(t)
	appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{1}})
	appendDelta(t, store, l, Delta{Destroyed: []types.DocumentID{1}})

	cs, err := l.All(testAccount, testCollection)
	require.NoError(t, err)
	assert.Empty(t, cs.Created)
	assert.Empty(t, cs.Updated)
	assert.Empty(t, cs.Destroyed)
}

func TestRepeatedUpdateCollapsesToSingleUpdate(t *testing.T) {
	store, l := openTestLog(t)
	appendDelta(t, store, l, Delta{Updated: []types.DocumentID{1}})
	appendDelta(t, store, l, Delta{Updated: []types.DocumentID{1}})
	appendDelta(t, store, l, Delta{Updated: []types.DocumentID{1}})

	cs, err := l.All(testAccount, testCollection)
	require.NoError(t, err)
	assert.Equal(t, []types.DocumentID{1}, cs.Updated)
}

func TestChildUpdateFoldsIntoUpdated(t *testing.T) {
	store, l := openTestLog(t)
	appendDelta(t, store, l, Delta{ChildUpdated: []types.DocumentID{7}})

	cs, err := l.All(testAccount, testCollection)
	require.NoError(t, err)
	assert.Equal(t, []types.DocumentID{7}, cs.Updated)
}

func TestChildUpdateThenDestroyDropsChildUpdate(t *testing.T) {
	store, l := openTestLog(t)
	appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{7}})
	appendDelta(t, store, l, Delta{ChildUpdated: []types.DocumentID{7}})
	appendDelta(t, store, l, Delta{Destroyed: []types.DocumentID{7}})

	cs, err := l.All(testAccount, testCollection)
	require.NoError(t, err)
	assert.Empty(t, cs.Created)
	assert.Empty(t, cs.Updated)
	assert.Empty(t, cs.Destroyed)
}

func TestSinceExcludesGivenChangeID(t *testing.T) {
	store, l := openTestLog(t)
	c1 := appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{1}})
	appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{2}})

	cs, err := l.Since(testAccount, testCollection, c1)
	require.NoError(t, err)
	assert.Equal(t, []types.DocumentID{2}, cs.Created)
}

func TestSinceInclusiveIncludesGivenChangeID(t *testing.T) {
	store, l := openTestLog(t)
	c1 := appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{1}})
	appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{2}})

	cs, err := l.SinceInclusive(testAccount, testCollection, c1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.DocumentID{1, 2}, cs.Created)
}

func TestRangeInclusiveRespectsMaxChangesAndSetsHasMore(t *testing.T) {
	store, l := openTestLog(t)
	for i := types.DocumentID(1); i <= 5; i++ {
		appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{i}})
	}

	cs, err := l.RangeInclusive(testAccount, testCollection, 1, 5, 2)
	require.NoError(t, err)
	assert.Len(t, cs.Created, 2)
	assert.True(t, cs.HasMore)
}

// TestRangeInclusiveTruncationLeavesNoGapOnResume ensures ToChangeID
// points at the last entry actually folded into the truncated result,
// not the full range's last entry — otherwise a client resuming from
// ToChangeID would silently skip every change between the truncation
// cut and the untruncated head.
func TestRangeInclusiveTruncationLeavesNoGapOnResume(t *testing.T) {
	store, l := openTestLog(t)
	var changeIDs []uint64
	for i := types.DocumentID(1); i <= 5; i++ {
		changeIDs = append(changeIDs, appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{i}}))
	}

	first, err := l.RangeInclusive(testAccount, testCollection, 1, ^uint64(0), 2)
	require.NoError(t, err)
	require.True(t, first.HasMore)
	assert.Equal(t, changeIDs[1], first.ToChangeID)

	second, err := l.RangeInclusive(testAccount, testCollection, first.ToChangeID+1, ^uint64(0), 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.DocumentID{3, 4, 5}, second.Created)
}

func TestCompactLogIsIdempotentAndPreservesReadResults(t *testing.T) {
	store, l := openTestLog(t)
	appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{1, 2}})
	c2 := appendDelta(t, store, l, Delta{Updated: []types.DocumentID{1}, Inserted: []types.DocumentID{3}})
	appendDelta(t, store, l, Delta{Destroyed: []types.DocumentID{2}})

	before, err := l.All(testAccount, testCollection)
	require.NoError(t, err)

	require.NoError(t, CompactLog(store, testAccount, testCollection, c2))
	require.NoError(t, CompactLog(store, testAccount, testCollection, c2), "compacting twice must be safe")

	after, err := l.All(testAccount, testCollection)
	require.NoError(t, err)

	assert.ElementsMatch(t, before.Created, after.Created)
	assert.ElementsMatch(t, before.Updated, after.Updated)
}

func TestCompactLogOnEmptyRangeIsNoop(t *testing.T) {
	store, _ := openTestLog(t)
	assert.NoError(t, CompactLog(store, testAccount, testCollection, 100))
}

func TestCompactLogPastUnknownChangeIDIsHardError(t *testing.T) {
	store, l := openTestLog(t)
	appendDelta(t, store, l, Delta{Inserted: []types.DocumentID{1}})

	err := CompactLog(store, testAccount, testCollection, 99)
	assert.Error(t, err)
}
