package blob

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmap-core/jmapd/pkg/kv"
)

func openTestStore(t *testing.T, grace time.Duration) *Store {
	t.Helper()
	kvStore, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvStore.Close() })

	s, err := Open(kvStore, t.TempDir(), 2, grace)
	require.NoError(t, err)
	return s
}

func TestPutIsContentAddressedAndIdempotent(t *testing.T) {
	s := openTestStore(t, time.Hour)

	id1, existed1, err := s.Put([]byte("hello"))
	require.NoError(t, err)
	assert.False(t, existed1)

	id2, existed2, err := s.Put([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, existed2)
	assert.Equal(t, id1.Bytes(), id2.Bytes())

	rc, err := s.RefCount(id1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rc)
}

func TestGetRangeFullAndClamped(t *testing.T) {
	s := openTestStore(t, time.Hour)
	id, _, err := s.Put([]byte("hello world"))
	require.NoError(t, err)

	full, err := s.GetRange(id, 0, MaxEnd)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), full)

	empty, err := s.GetRange(id, id.Length(), MaxEnd)
	require.NoError(t, err)
	assert.Empty(t, empty)

	clamped, err := s.GetRange(id, 0, id.Length()+1000)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), clamped)

	mid, err := s.GetRange(id, 6, 11)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), mid)
}

func TestGetRangeUnknownIDReturnsNotFound(t *testing.T) {
	s := openTestStore(t, time.Hour)
	_, _, err := s.Put([]byte("seed"))
	require.NoError(t, err)

	unknown := Of([]byte("never written"))
	_, err = s.GetRange(unknown, 0, MaxEnd)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteDecrementsRefcountAndReapRespectsGrace(t *testing.T) {
	s := openTestStore(t, time.Hour)
	id, _, err := s.Put([]byte("hello"))
	require.NoError(t, err)
	_, _, err = s.Put([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(id))
	rc, err := s.RefCount(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rc)

	_, err = s.GetRange(id, 0, MaxEnd)
	assert.NoError(t, err, "file must still be present with refcount 1")

	require.NoError(t, s.Delete(id))
	rc, err = s.RefCount(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rc)

	_, err = s.GetRange(id, 0, MaxEnd)
	assert.NoError(t, err, "file must still be present before grace period elapses")

	removed, err := s.Reap(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "grace period has not elapsed yet")

	removed, err = s.Reap(time.Now().Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetRange(id, 0, MaxEnd)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIDShardPathClampsLevels(t *testing.T) {
	id := Of([]byte("shard me"))
	assert.Len(t, id.ShardPath(0), 1)
	assert.Len(t, id.ShardPath(2), 2)
	assert.Len(t, id.ShardPath(10), 5)
}

func TestIDBytesRoundTrip(t *testing.T) {
	id := Of([]byte("round trip"))
	parsed, err := ParseID(id.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id.Bytes(), parsed.Bytes())
	assert.Equal(t, id.Length(), parsed.Length())
}
