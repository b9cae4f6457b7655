package jmap

import (
	"fmt"

	"github.com/jmap-core/jmapd/pkg/blob"
	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/orm"
	"github.com/jmap-core/jmapd/pkg/types"
)

// Mailbox property field ids.
const (
	MailboxName         types.PropertyID = 1
	MailboxParentID     types.PropertyID = 2
	MailboxRole         types.PropertyID = 3
	MailboxSortOrder    types.PropertyID = 4
	MailboxIsSubscribed types.PropertyID = 5
)

// maxMailboxParentDepth bounds the parentId cycle check at a fixed number
// of hops. The bound does not depend on the mailbox's current depth: a
// parent chain longer than this is rejected even when it has no cycle.
const maxMailboxParentDepth = 64

// MailboxKind implements ObjectKind for the Mailbox collection.
type MailboxKind struct{}

var _ ObjectKind = MailboxKind{}

func (MailboxKind) Collection() types.Collection { return types.CollectionMailbox }

func (MailboxKind) Properties() map[string]PropertySchema {
	return map[string]PropertySchema{
		"name":         {Field: MailboxName, Kind: types.KindText, Indexed: true},
		"parentId":     {Field: MailboxParentID, Kind: types.KindID},
		"role":         {Field: MailboxRole, Kind: types.KindText},
		"sortOrder":    {Field: MailboxSortOrder, Kind: types.KindNumber},
		"isSubscribed": {Field: MailboxIsSubscribed, Kind: types.KindBool},
	}
}

func (MailboxKind) DefaultProperties() []types.PropertyID {
	return []types.PropertyID{MailboxName, MailboxParentID, MailboxRole, MailboxSortOrder, MailboxIsSubscribed}
}

func (k MailboxKind) ValidationRules(isCreate bool) orm.ValidationRules {
	return orm.ValidationRules{
		Required:          []types.PropertyID{MailboxName},
		IDReferenceFields: map[types.PropertyID]types.Collection{MailboxParentID: types.CollectionMailbox},
	}
}

// IDMapper uses the dense document-id space directly: Mailbox JMAPIds
// carry no collection-specific prefix.
func (MailboxKind) IDMapper(account types.AccountID) (func(types.DocumentID) types.JMAPID, bool) {
	return func(id types.DocumentID) types.JMAPID { return types.NewJMAPID(0, id) }, true
}

func (MailboxKind) AfterDiff(store *kv.Store, account types.AccountID, prev *types.Document, plan *orm.WritePlan) (map[types.Collection][]types.DocumentID, error) {
	return nil, nil
}

func (MailboxKind) SyncDerivedTags(o *orm.TinyORM) {}

func (MailboxKind) PrepareCreate(blobs *blob.Store, account types.AccountID, props map[string]interface{}) (map[string]interface{}, error) {
	return props, nil
}

// ValidateSelf rejects a parentId assignment that would make this
// mailbox its own ancestor.
func (MailboxKind) ValidateSelf(store *kv.Store, account types.AccountID, docID types.DocumentID, o *orm.TinyORM) error {
	parent, ok := o.Document().Properties[MailboxParentID]
	if !ok || parent.IsNull() {
		return nil
	}
	return checkParentCycle(store, account, docID, parent.ID.Document())
}

// Derive computes totalEmails/unreadEmails from the Mail-collection
// mailboxIds tag bitmap for this mailbox, intersected against Mail's
// internal $seen tag bitmap for the unread count — avoiding a per-message
// scan on every get.
func (MailboxKind) Derive(store *kv.Store, account types.AccountID, docID types.DocumentID, doc *types.Document) map[string]interface{} {
	total, err := store.GetBitmap(kv.CFBitmaps, kv.BitmapKey(account, types.CollectionMail, MailMailboxIDs, uint32(docID)))
	if err != nil {
		return map[string]interface{}{"totalEmails": 0, "unreadEmails": 0}
	}
	seen, err := store.GetBitmap(kv.CFBitmaps, kv.BitmapKey(account, types.CollectionMail, MailSeenTag, 1))
	if err != nil {
		seen = nil
	}
	unread := total.GetCardinality()
	if seen != nil {
		unread -= total.AndCardinality(seen)
	}
	return map[string]interface{}{
		"totalEmails":  total.GetCardinality(),
		"unreadEmails": unread,
	}
}

// checkParentCycle walks candidateParent's own parentId chain looking for
// selfID, for at most maxMailboxParentDepth hops; a chain that has not
// ended by then is rejected with a depth-bound error.
func checkParentCycle(store *kv.Store, account types.AccountID, selfID, candidateParent types.DocumentID) error {
	depth := 0
	cur := candidateParent
	for depth <= maxMailboxParentDepth {
		if cur == selfID {
			return fmt.Errorf("mailbox parentId would create a cycle")
		}
		doc, found, err := orm.LoadDocument(store, account, types.CollectionMailbox, cur)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		parent, ok := doc.Properties[MailboxParentID]
		if !ok || parent.IsNull() {
			return nil
		}
		cur = parent.ID.Document()
		depth++
	}
	return fmt.Errorf("mailbox parentId chain exceeds depth bound %d", maxMailboxParentDepth)
}
