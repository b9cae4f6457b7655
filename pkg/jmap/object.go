package jmap

import (
	"github.com/jmap-core/jmapd/pkg/blob"
	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/orm"
	"github.com/jmap-core/jmapd/pkg/types"
)

// PropertySchema describes one JMAP property of an object kind: its
// storage field id, the value shape a bare (full-replacement) patch
// must decode to, and whether it also maintains tag-bitmap membership
// (Mail's mailboxIds) alongside the property value itself.
type PropertySchema struct {
	Field   types.PropertyID
	Kind    types.ValueKind
	Indexed bool
	Tagged  bool
}

// ObjectKind is the capability table the coordinator dispatches through
// for one JMAP object type (Mail, Mailbox, ...). Per §9's design note,
// this stands in for the source's trait-based polymorphism as a tagged
// variant plus a function table rather than dynamic inheritance.
type ObjectKind interface {
	// Collection identifies the storage collection this kind lives in.
	Collection() types.Collection

	// Properties maps JMAP property names to their schema.
	Properties() map[string]PropertySchema

	// DefaultProperties lists the fields returned by get when the
	// caller's properties list is absent or empty.
	DefaultProperties() []types.PropertyID

	// ValidationRules returns the structural checks Validate runs,
	// varying by whether this is a create or an update.
	ValidationRules(isCreate bool) orm.ValidationRules

	// ValidateSelf runs checks that need the document's own id in scope
	// (e.g. Mailbox's parentId cycle check), after ValidationRules pass.
	// Returns nil when a kind has none.
	ValidateSelf(store *kv.Store, account types.AccountID, docID types.DocumentID, o *orm.TinyORM) error

	// IDMapper returns the function converting a raw DocumentID into
	// the JMAPID exposed to clients, and whether implicit enumeration
	// (get with ids absent) is supported at all for this kind. Per
	// §9's open-question resolution, a kind without a mapper yields an
	// empty id list rather than enumerating.
	IDMapper(account types.AccountID) (mapper func(types.DocumentID) types.JMAPID, ok bool)

	// PrepareCreate runs once, before applyFullProperties, over a create's
	// raw JSON properties. Kinds that need to derive stored properties
	// from non-schema create-only input (Mail's bodyValues/textBody/
	// htmlBody, rendered into a blobId+size pair via pkg/mime) return the
	// rewritten property map; kinds with no such input return props
	// unchanged.
	PrepareCreate(blobs *blob.Store, account types.AccountID, props map[string]interface{}) (map[string]interface{}, error)

	// AfterDiff lets a kind report additional documents, possibly in a
	// different collection, that must be recorded as child-updates in
	// the same write batch — e.g. toggling Mail's $seen keyword marks
	// every containing Mailbox as child-updated so unread counts
	// become an observable delta.
	AfterDiff(store *kv.Store, account types.AccountID, prev *types.Document, plan *orm.WritePlan) (map[types.Collection][]types.DocumentID, error)

	// SyncDerivedTags runs after a create/update's properties are applied
	// but before Validate/Diff, letting a kind maintain tag-bitmap fields
	// that are derived from other properties rather than set directly by
	// the client (e.g. Mail's internal $seen tag, derived from the
	// keywords text list).
	SyncDerivedTags(o *orm.TinyORM)

	// Derive computes read-only, non-stored properties for a fetched
	// document (e.g. Mailbox's totalEmails/unreadEmails counters) to be
	// merged into the rendered get response. Returns nil if the kind has
	// none.
	Derive(store *kv.Store, account types.AccountID, docID types.DocumentID, doc *types.Document) map[string]interface{}
}

// PropertyByField returns schema.Field's JMAP property name, or "" if
// unknown — used to render per-id InvalidProperties error paths.
func PropertyByField(kind ObjectKind, field types.PropertyID) string {
	for name, schema := range kind.Properties() {
		if schema.Field == field {
			return name
		}
	}
	return ""
}
