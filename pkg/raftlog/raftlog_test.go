package raftlog

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmap-core/jmapd/pkg/changelog"
	"github.com/jmap-core/jmapd/pkg/events"
	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/types"
)

// memSink is a minimal in-memory raft.SnapshotSink for exercising
// FSM.Snapshot/Persist without a real Raft FileSnapshotStore.
type memSink struct {
	bytes.Buffer
}

func newMemSink() *memSink               { return &memSink{} }
func (s *memSink) ID() string            { return "test-snapshot" }
func (s *memSink) Cancel() error         { return nil }
func (s *memSink) Close() error          { return nil }
func (s *memSink) reader() io.ReadCloser { return io.NopCloser(bytes.NewReader(s.Bytes())) }

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func openTestFSM(t *testing.T) (*FSM, *kv.Store) {
	t.Helper()
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	l := changelog.New(store)
	commits := events.NewCommitWatch()
	return NewFSM(store, l, commits), store
}

func TestFSMApplyWritesMutationsAndChangeLog(t *testing.T) {
	fsm, store := openTestFSM(t)

	cmd := Command{
		Account:    1,
		Collection: 2,
		Mutations: []Mutation{
			{CF: kv.CFValues, Key: []byte("k1"), Value: []byte("v1")},
		},
		Delta: &changelog.Delta{Inserted: []types.DocumentID{10}},
	}
	data := mustMarshal(t, cmd)

	resp := fsm.Apply(&raft.Log{Index: 1, Term: 1, Data: data})
	require.Nil(t, resp)

	got, err := store.Get(kv.CFValues, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got))

	cs, err := changelog.New(store).All(1, 2)
	require.NoError(t, err)
	assert.Contains(t, cs.Created, types.DocumentID(10))
}

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	fsm, store := openTestFSM(t)

	require.NoError(t, store.Put(kv.CFValues, []byte("a"), []byte("1")))
	require.NoError(t, store.Put(kv.CFIndexes, []byte("b"), []byte("2")))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := newMemSink()
	require.NoError(t, snap.Persist(sink))

	restoreFSM, restoreStore := openTestFSM(t)
	require.NoError(t, restoreFSM.Restore(sink.reader()))

	got, err := restoreStore.Get(kv.CFValues, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	got, err = restoreStore.Get(kv.CFIndexes, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))
}

func TestLogStoreStoreAndGetLog(t *testing.T) {
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ls := newLogStore(store)

	entry := &raft.Log{Index: 5, Term: 2, Type: raft.LogCommand, Data: []byte("payload")}
	require.NoError(t, ls.StoreLog(entry))

	var out raft.Log
	require.NoError(t, ls.GetLog(5, &out))
	assert.Equal(t, uint64(2), out.Term)
	assert.Equal(t, []byte("payload"), out.Data)

	first, err := ls.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), first)

	last, err := ls.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), last)

	require.NoError(t, ls.DeleteRange(5, 5))
	err = ls.GetLog(5, &out)
	assert.Equal(t, raft.ErrLogNotFound, err)
}

func TestLogStoreStableStoreUint64RoundTrip(t *testing.T) {
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ls := newLogStore(store)
	require.NoError(t, ls.SetUint64([]byte("CurrentTerm"), 7))

	got, err := ls.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got)
}

func TestTokenManagerGenerateValidateExpire(t *testing.T) {
	tm := NewTokenManager()
	jt, err := tm.GenerateToken("voter", time.Millisecond)
	require.NoError(t, err)

	role, err := tm.ValidateToken(jt.Token)
	require.NoError(t, err)
	assert.Equal(t, "voter", role)

	time.Sleep(5 * time.Millisecond)
	_, err = tm.ValidateToken(jt.Token)
	assert.Error(t, err)
}
