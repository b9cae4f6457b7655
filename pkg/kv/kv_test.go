package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmap-core/jmapd/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)

	key := ValueKey(1, types.CollectionMail, 10, 1)
	_, err := s.Get(CFValues, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(CFValues, key, []byte("hello")))
	v, err := s.Get(CFValues, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v)

	require.NoError(t, s.Delete(CFValues, key))
	_, err = s.Get(CFValues, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIteratePrefixOrder(t *testing.T) {
	s := openTestStore(t)

	for _, doc := range []types.DocumentID{3, 1, 2} {
		key := ValueKey(1, types.CollectionMail, doc, 0)
		require.NoError(t, s.Put(CFValues, key, []byte{byte(doc)}))
	}

	prefix := CollectionPrefix(1, types.CollectionMail)
	var seen []byte
	err := s.IteratePrefix(CFValues, prefix, false, func(_, v []byte) (bool, error) {
		seen = append(seen, v[0])
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, seen)

	seen = nil
	err = s.IteratePrefix(CFValues, prefix, true, func(_, v []byte) (bool, error) {
		seen = append(seen, v[0])
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 1}, seen)
}

func TestUpdateIsAtomic(t *testing.T) {
	s := openTestStore(t)

	err := s.Update(func(tx *Tx) error {
		if err := tx.Put(CFValues, []byte("a"), []byte("1")); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.Error(t, err)

	_, err = s.Get(CFValues, []byte("a"))
	assert.ErrorIs(t, err, ErrNotFound, "a failed transaction must not leave partial writes")
}

func TestMutexMapSerializesSameKey(t *testing.T) {
	mm := NewMutexMap(4)
	unlock := mm.Lock([]byte("x"))
	locked := make(chan struct{})
	go func() {
		unlock2 := mm.Lock([]byte("x"))
		close(locked)
		unlock2()
	}()

	select {
	case <-locked:
		t.Fatal("second lock on same key acquired while first still held")
	default:
	}
	unlock()
	<-locked
}

func TestBitmapRoundTrip(t *testing.T) {
	s := openTestStore(t)
	key := DocumentIDBitmapKey(1, types.CollectionMail)

	err := s.Update(func(tx *Tx) error {
		bm, err := TxGetBitmap(tx, CFBitmaps, key)
		if err != nil {
			return err
		}
		bm.Add(5)
		bm.Add(9)
		return TxPutBitmap(tx, CFBitmaps, key, bm)
	})
	require.NoError(t, err)

	bm, err := s.GetBitmap(CFBitmaps, key)
	require.NoError(t, err)
	assert.True(t, bm.Contains(5))
	assert.True(t, bm.Contains(9))
	assert.False(t, bm.Contains(6))
}
