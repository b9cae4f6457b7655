package types

import "fmt"

// AccountID identifies a tenant. All storage is namespaced by account.
type AccountID uint32

// DocumentID identifies a document within one (account, collection) pair.
// pkg/jmap allocates the lowest id, starting from 1, that is not set in the
// collection's live-document-id bitmap. A destroyed id is free for reuse as
// soon as its live bit is cleared; reuse does not wait for the change log
// to be compacted past its Delete.
type DocumentID uint32

// Collection is a small fixed enumeration of object kinds, represented as
// a single byte so it packs directly into KV keys.
type Collection uint8

const (
	CollectionMail Collection = iota + 1
	CollectionMailbox
	CollectionThread
	CollectionPushSubscription
	CollectionIdentity
	CollectionEmailSubmission
	CollectionVacationResponse
	CollectionPrincipal
)

// String returns the JMAP type name for a collection, used in log fields
// and state-token type tags.
func (c Collection) String() string {
	switch c {
	case CollectionMail:
		return "Mail"
	case CollectionMailbox:
		return "Mailbox"
	case CollectionThread:
		return "Thread"
	case CollectionPushSubscription:
		return "PushSubscription"
	case CollectionIdentity:
		return "Identity"
	case CollectionEmailSubmission:
		return "EmailSubmission"
	case CollectionVacationResponse:
		return "VacationResponse"
	case CollectionPrincipal:
		return "Principal"
	default:
		return fmt.Sprintf("Collection(%d)", uint8(c))
	}
}

// PropertyID indexes into a Document's property map. Each object kind
// defines its own small set of property ids (see pkg/jmap/mail.go,
// mailbox.go, etc.) — the ORM layer treats them opaquely.
type PropertyID uint8

// ValueKind tags the active field of a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindID
	KindText
	KindBool
	KindNumber
	KindRecord
	KindIDList
	KindTextList
)

// Value is a typed union representing one property's stored content: an
// id reference, free text, a boolean, a number, a nested record, or a
// list of ids/text. Exactly one field is meaningful per Kind.
type Value struct {
	Kind    ValueKind
	ID      JMAPID
	Text    string
	Bool    bool
	Number  float64
	Record  map[PropertyID]Value
	IDList  []JMAPID
	TxtList []string
}

// NullValue is the canonical absent-value marker.
var NullValue = Value{Kind: KindNull}

// IsNull reports whether v carries no data.
func (v Value) IsNull() bool { return v.Kind == KindNull }

func TextValue(s string) Value                 { return Value{Kind: KindText, Text: s} }
func BoolValue(b bool) Value                    { return Value{Kind: KindBool, Bool: b} }
func NumberValue(n float64) Value               { return Value{Kind: KindNumber, Number: n} }
func IDValue(id JMAPID) Value                   { return Value{Kind: KindID, ID: id} }
func RecordValue(r map[PropertyID]Value) Value  { return Value{Kind: KindRecord, Record: r} }
func IDListValue(ids []JMAPID) Value             { return Value{Kind: KindIDList, IDList: ids} }
func TextListValue(s []string) Value             { return Value{Kind: KindTextList, TxtList: s} }

// Permission is a bitmask of ACL rights. Bit layout is collection-agnostic;
// callers interpret bits per object kind the way the JMAP RFCs require
// (MayRead, MayWrite, MayAdmin, ...).
type Permission uint32

const (
	PermissionRead Permission = 1 << iota
	PermissionWrite
	PermissionAdmin
	PermissionDelete
)

// ACLEntry grants a bitmap of permissions to one account. An entry with an
// empty bitmap must never be stored — callers remove it instead.
type ACLEntry struct {
	Account     AccountID
	Permissions Permission
}

// Document is the in-memory representation of one stored object: its
// typed properties, per-field tag sets (multi-valued labels such as
// mailbox membership or keywords), secondary-index byte keys, and ACL
// list. Document is the unit the ORM (pkg/orm) edits and pkg/kv persists.
type Document struct {
	Account    AccountID
	Collection Collection
	ID         DocumentID

	Properties map[PropertyID]Value
	// Tags maps a tag field to the set of tag values the document
	// carries for that field (e.g. Mailbox membership, keyword set).
	// Tag values are themselves DocumentIDs (mailbox membership) or
	// small static enums encoded as uint32.
	Tags map[PropertyID]map[uint32]struct{}
	// Indexes holds the collation-aware byte key for each indexed
	// property, ready for insertion into pkg/kv's Indexes column family.
	Indexes map[PropertyID][]byte
	ACL     []ACLEntry
}

// NewDocument returns an empty Document ready for property population.
func NewDocument(account AccountID, collection Collection, id DocumentID) *Document {
	return &Document{
		Account:    account,
		Collection: collection,
		ID:         id,
		Properties: make(map[PropertyID]Value),
		Tags:       make(map[PropertyID]map[uint32]struct{}),
		Indexes:    make(map[PropertyID][]byte),
	}
}

// HasTag reports whether the document carries tagValue under field.
func (d *Document) HasTag(field PropertyID, tagValue uint32) bool {
	set, ok := d.Tags[field]
	if !ok {
		return false
	}
	_, ok = set[tagValue]
	return ok
}

// AddTag adds tagValue to field's tag set.
func (d *Document) AddTag(field PropertyID, tagValue uint32) {
	set, ok := d.Tags[field]
	if !ok {
		set = make(map[uint32]struct{})
		d.Tags[field] = set
	}
	set[tagValue] = struct{}{}
}

// RemoveTag removes tagValue from field's tag set, if present.
func (d *Document) RemoveTag(field PropertyID, tagValue uint32) {
	set, ok := d.Tags[field]
	if !ok {
		return
	}
	delete(set, tagValue)
	if len(set) == 0 {
		delete(d.Tags, field)
	}
}

// ACLCheck scans the (possibly unsorted, in-flight) ACL list linearly for
// account and reports whether permission is granted. Used during edits
// before ACLFinish has sorted the list.
func (d *Document) ACLCheck(account AccountID, permission Permission) bool {
	for _, entry := range d.ACL {
		if entry.Account == account {
			return entry.Permissions&permission != 0
		}
	}
	return false
}
