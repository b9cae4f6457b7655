package jmap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmap-core/jmapd/pkg/blob"
	"github.com/jmap-core/jmapd/pkg/raftlog"
	"github.com/jmap-core/jmapd/pkg/types"
)

// newTestCoordinator bootstraps a real single-node Raft cluster against a
// temp-dir store, the same way cmd/jmapd's serve command does, so Set
// exercises the full Apply path instead of mocking the replicated log.
func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()

	manager, err := raftlog.NewManager(&raftlog.Config{
		NodeID:        "test-node",
		BindAddr:      "127.0.0.1:0",
		DataDir:       t.TempDir(),
		CommitTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, manager.Bootstrap())
	t.Cleanup(func() { _ = manager.Shutdown() })

	require.Eventually(t, manager.IsLeader, 5*time.Second, 10*time.Millisecond, "single-node cluster never elected itself leader")

	blobs, err := blob.Open(manager.Store(), t.TempDir(), 2, time.Hour)
	require.NoError(t, err)

	coordinator := NewCoordinator(manager, blobs, 0)
	coordinator.Register(MailboxKind{})
	coordinator.Register(MailKind{})
	return coordinator
}

func mustSet(t *testing.T, c *Coordinator, collection types.Collection, account types.AccountID, req *SetRequest) *SetResult {
	t.Helper()
	res, err := c.Set(context.Background(), collection, account, req, true)
	require.NoError(t, err)
	return res
}

func TestSetCreateThenGetRoundTrips(t *testing.T) {
	c := newTestCoordinator(t)
	const account types.AccountID = 1

	res := mustSet(t, c, types.CollectionMailbox, account, &SetRequest{
		Create: map[string]map[string]interface{}{
			"a": {"name": "Inbox"},
		},
	})
	require.Empty(t, res.NotCreated)
	require.Contains(t, res.Created, "a")
	id := res.Created["a"]["id"].(string)

	got, err := c.Get(types.CollectionMailbox, account, []string{id}, nil)
	require.NoError(t, err)
	require.Empty(t, got.NotFound)
	require.Len(t, got.List, 1)
	require.Equal(t, "Inbox", got.List[0]["name"])
}

// TestCreateUpdateDestroyInvisibleInChanges exercises the scenario where a
// document's whole lifecycle happens strictly between two changes polls:
// the collapse rules in pkg/changelog must leave it absent from both the
// created and destroyed lists of the next changes call.
func TestCreateUpdateDestroyInvisibleInChanges(t *testing.T) {
	c := newTestCoordinator(t)
	const account types.AccountID = 1

	before, err := c.Changes(types.CollectionMailbox, account, types.StateToken{}.String(), 100)
	require.NoError(t, err)

	res := mustSet(t, c, types.CollectionMailbox, account, &SetRequest{
		Create: map[string]map[string]interface{}{"a": {"name": "Drafts"}},
	})
	id := res.Created["a"]["id"].(string)

	res = mustSet(t, c, types.CollectionMailbox, account, &SetRequest{
		Update: map[string]map[string]interface{}{id: {"name": "Drafts2"}},
	})
	require.Empty(t, res.NotUpdated)

	res = mustSet(t, c, types.CollectionMailbox, account, &SetRequest{
		Destroy: []string{id},
	})
	require.Empty(t, res.NotDestroyed)

	after, err := c.Changes(types.CollectionMailbox, account, before.NewState, 100)
	require.NoError(t, err)
	assertIDNotIn(t, id, after.Created)
	assertIDNotIn(t, id, after.Updated)
	assertIDNotIn(t, id, after.Destroyed)
}

func assertIDNotIn(t *testing.T, id string, ids []string) {
	t.Helper()
	for _, got := range ids {
		require.NotEqual(t, id, got)
	}
}

func TestSetRejectsStateMismatch(t *testing.T) {
	c := newTestCoordinator(t)
	const account types.AccountID = 1

	_, err := c.Set(context.Background(), types.CollectionMailbox, account, &SetRequest{
		Create:    map[string]map[string]interface{}{"a": {"name": "Inbox"}},
		IfInState: "i999",
	}, true)
	require.Error(t, err)
	jerr, ok := err.(*Error)
	require.True(t, ok)
	require.Equal(t, ErrStateMismatch, jerr.Kind)
}

// TestSetRejectsUnresolvedReferenceAcceptsRealID exercises mailboxIds
// reference handling on Mail create: a "#localId" that no create in the
// batch defined is rejected as notCreated, while the real id of a mailbox
// created by an earlier request is accepted.
func TestSetRejectsUnresolvedReferenceAcceptsRealID(t *testing.T) {
	c := newTestCoordinator(t)
	const account types.AccountID = 1

	res := mustSet(t, c, types.CollectionMailbox, account, &SetRequest{
		Create: map[string]map[string]interface{}{"box": {"name": "Inbox"}},
	})
	require.Empty(t, res.NotCreated)
	boxID := res.Created["box"]["id"].(string)

	mailRes := mustSet(t, c, types.CollectionMail, account, &SetRequest{
		Create: map[string]map[string]interface{}{
			"m": {
				"mailboxIds": map[string]interface{}{"#box2": true},
				"subject":    "hi",
				"textBody": []interface{}{
					map[string]interface{}{"partId": "p1", "type": "text/plain"},
				},
				"bodyValues": map[string]interface{}{
					"p1": map[string]interface{}{"value": "hello"},
				},
			},
		},
	})
	// "#box2" never existed; this exercises the unresolved-reference error
	// path rather than a successful forward reference.
	require.Empty(t, mailRes.Created)
	require.Contains(t, mailRes.NotCreated, "m")

	mailRes2 := mustSet(t, c, types.CollectionMail, account, &SetRequest{
		Create: map[string]map[string]interface{}{
			"m": {
				"mailboxIds": map[string]interface{}{boxID: true},
				"subject":    "hi",
				"textBody": []interface{}{
					map[string]interface{}{"partId": "p1", "type": "text/plain"},
				},
				"bodyValues": map[string]interface{}{
					"p1": map[string]interface{}{"value": "hello"},
				},
			},
		},
	})
	require.Empty(t, mailRes2.NotCreated)
	require.Contains(t, mailRes2.Created, "m")
}

// TestSeenToggleChildUpdatesMailbox exercises the ExtraDelta path: toggling
// Mail's $seen keyword must surface the containing Mailbox as child-updated
// even though the write itself lands in the Mail collection's log.
func TestSeenToggleChildUpdatesMailbox(t *testing.T) {
	c := newTestCoordinator(t)
	const account types.AccountID = 1

	boxRes := mustSet(t, c, types.CollectionMailbox, account, &SetRequest{
		Create: map[string]map[string]interface{}{"box": {"name": "Inbox"}},
	})
	boxID := boxRes.Created["box"]["id"].(string)

	mailRes := mustSet(t, c, types.CollectionMail, account, &SetRequest{
		Create: map[string]map[string]interface{}{
			"m": {
				"mailboxIds": map[string]interface{}{boxID: true},
				"subject":    "hi",
				"textBody": []interface{}{
					map[string]interface{}{"partId": "p1", "type": "text/plain"},
				},
				"bodyValues": map[string]interface{}{
					"p1": map[string]interface{}{"value": "hello"},
				},
			},
		},
	})
	require.Empty(t, mailRes.NotCreated)
	mailID := mailRes.Created["m"]["id"].(string)

	boxBefore, err := c.Changes(types.CollectionMailbox, account, types.StateToken{}.String(), 100)
	require.NoError(t, err)

	res := mustSet(t, c, types.CollectionMail, account, &SetRequest{
		Update: map[string]map[string]interface{}{
			mailID: {"keywords": map[string]interface{}{"$seen": true}},
		},
	})
	require.Empty(t, res.NotUpdated)

	boxAfter, err := c.Changes(types.CollectionMailbox, account, boxBefore.NewState, 100)
	require.NoError(t, err)
	require.Contains(t, boxAfter.Updated, boxID, fmt.Sprintf("expected mailbox %s child-updated after $seen toggle on mail %s", boxID, mailID))
}
