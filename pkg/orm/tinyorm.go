package orm

import (
	"fmt"

	"github.com/jmap-core/jmapd/pkg/types"
)

// Op names whether a WritePlan entry sets/tags or clears/untags.
type Op int

const (
	OpSet Op = iota
	OpClear
)

// PropertyChange is one property's contribution to a WritePlan.
type PropertyChange struct {
	Field    types.PropertyID
	Op       Op
	Value    types.Value
	IndexKey []byte // nil if Field is not an indexed property
}

// TagChange is one tag-bitmap membership flip.
type TagChange struct {
	Field types.PropertyID
	Value uint32
	Op    Op
}

// WritePlan is the minimal set of storage mutations that carries a
// TinyORM's edit, ready for pkg/orm's caller to fold into a kv.Tx
// alongside change-log and blob-refcount updates.
type WritePlan struct {
	Account         types.AccountID
	Collection      types.Collection
	ID              types.DocumentID
	PropertyChanges []PropertyChange
	TagChanges      []TagChange
	ACLChanges      []types.ACLEntry
	Document        *types.Document
}

// IsEmpty reports whether the plan changes nothing — the edit was a
// no-op once diffed against the previous revision.
func (p *WritePlan) IsEmpty() bool {
	return len(p.PropertyChanges) == 0 && len(p.TagChanges) == 0 && len(p.ACLChanges) == 0
}

// ValidationRules describes the structural checks Validate runs. Fields
// left zero-valued are skipped.
type ValidationRules struct {
	// Required lists properties that must be present (non-null) for a
	// create; ignored on update.
	Required []types.PropertyID
	// IDReferenceFields maps a property holding a JMAPID (or id list) to
	// the collection its referenced ids must belong to.
	IDReferenceFields map[types.PropertyID]types.Collection
	// IDExists is called once per referenced id to confirm it exists.
	// Required whenever IDReferenceFields is non-empty.
	IDExists func(account types.AccountID, collection types.Collection, id types.DocumentID) bool
}

// TinyORM is the in-memory editable view of one document, carried
// through building (New or FromPrevious plus the setters), Validate, and
// Diff.
type TinyORM struct {
	doc  *types.Document
	prev *types.Document // nil on create
}

// New starts a TinyORM for a brand-new document.
func New(account types.AccountID, collection types.Collection, id types.DocumentID) *TinyORM {
	return &TinyORM{doc: types.NewDocument(account, collection, id)}
}

// FromPrevious starts a TinyORM editing an existing document: prev is
// deep-copied so edits never mutate the caller's previous revision.
func FromPrevious(prev *types.Document) *TinyORM {
	clone := types.NewDocument(prev.Account, prev.Collection, prev.ID)
	for field, value := range prev.Properties {
		clone.Properties[field] = value
	}
	for field, tags := range prev.Tags {
		clone.Tags[field] = make(map[uint32]struct{}, len(tags))
		for tag := range tags {
			clone.Tags[field][tag] = struct{}{}
		}
	}
	for field, idx := range prev.Indexes {
		clone.Indexes[field] = append([]byte(nil), idx...)
	}
	clone.ACL = append([]types.ACLEntry(nil), prev.ACL...)
	return &TinyORM{doc: clone, prev: prev}
}

// Document exposes the in-progress document for read access (e.g. by
// the coordinator building a get response before any write happens).
func (o *TinyORM) Document() *types.Document { return o.doc }

// SetProperty assigns field, recomputing its secondary index entry if
// indexed is true.
func (o *TinyORM) SetProperty(field types.PropertyID, value types.Value, indexed bool) {
	o.doc.Properties[field] = value
	if indexed {
		o.doc.Indexes[field] = IndexKeyBytes(value)
	}
}

// ClearProperty removes field entirely.
func (o *TinyORM) ClearProperty(field types.PropertyID) {
	delete(o.doc.Properties, field)
	delete(o.doc.Indexes, field)
}

// Tag adds value to field's tag set.
func (o *TinyORM) Tag(field types.PropertyID, value uint32) {
	o.doc.AddTag(field, value)
}

// Untag removes value from field's tag set.
func (o *TinyORM) Untag(field types.PropertyID, value uint32) {
	o.doc.RemoveTag(field, value)
}

// ACLUpdate replaces account's permission mask.
func (o *TinyORM) ACLUpdate(account types.AccountID, permissions types.Permission) {
	o.doc.ACL = ACLUpdate(o.doc.ACL, account, permissions)
}

// ACLSet flips a single permission bit for account.
func (o *TinyORM) ACLSet(account types.AccountID, permission types.Permission, on bool) {
	o.doc.ACL = ACLSet(o.doc.ACL, account, permission, on)
}

// ACLFinish sorts the ACL list; must run before Diff.
func (o *TinyORM) ACLFinish() {
	o.doc.ACL = ACLFinish(o.doc.ACL)
}

// ACLCheck reports whether account holds permission, tolerating an
// unsorted in-progress ACL list.
func (o *TinyORM) ACLCheck(account types.AccountID, permission types.Permission) bool {
	return ACLCheck(o.doc.ACL, account, permission)
}

// ValidationError collects every rule violation found by Validate so
// the coordinator can report them all at once instead of failing fast
// on the first one.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("orm: validation failed: %v", e.Violations)
}

// Validate checks rules against the in-progress document. A nil prev
// (this is a create) enforces Required; an existing prev skips it,
// since updates may touch only a subset of properties.
func (o *TinyORM) Validate(rules ValidationRules) error {
	var violations []string

	if o.prev == nil {
		for _, field := range rules.Required {
			if v, ok := o.doc.Properties[field]; !ok || v.IsNull() {
				violations = append(violations, fmt.Sprintf("missing required property %d", field))
			}
		}
	}

	for field, collection := range rules.IDReferenceFields {
		v, ok := o.doc.Properties[field]
		if !ok || v.IsNull() {
			continue
		}
		ids := referencedIDs(v)
		for _, id := range ids {
			if rules.IDExists == nil || !rules.IDExists(o.doc.Account, collection, id.Document()) {
				violations = append(violations, fmt.Sprintf("property %d references nonexistent %s id %s", field, collection, id))
			}
		}
	}

	for _, e := range o.doc.ACL {
		if e.Permissions == 0 {
			violations = append(violations, fmt.Sprintf("acl entry for account %d has empty permission bitmap", e.Account))
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

func referencedIDs(v types.Value) []types.JMAPID {
	switch v.Kind {
	case types.KindID:
		return []types.JMAPID{v.ID}
	case types.KindIDList:
		return v.IDList
	default:
		return nil
	}
}

// Diff compares the in-progress document against prev (empty if this is
// a create) and emits the minimal WritePlan of changed properties,
// tags, and ACL entries. Call ACLFinish before Diff.
func (o *TinyORM) Diff() *WritePlan {
	plan := &WritePlan{
		Account:    o.doc.Account,
		Collection: o.doc.Collection,
		ID:         o.doc.ID,
		Document:   o.doc,
	}

	prevProps := map[types.PropertyID]types.Value{}
	if o.prev != nil {
		prevProps = o.prev.Properties
	}
	for field, value := range o.doc.Properties {
		if old, ok := prevProps[field]; ok && valuesEqual(old, value) {
			continue
		}
		plan.PropertyChanges = append(plan.PropertyChanges, PropertyChange{
			Field: field, Op: OpSet, Value: value, IndexKey: o.doc.Indexes[field],
		})
	}
	for field := range prevProps {
		if _, stillPresent := o.doc.Properties[field]; !stillPresent {
			plan.PropertyChanges = append(plan.PropertyChanges, PropertyChange{Field: field, Op: OpClear})
		}
	}

	prevTags := map[types.PropertyID]map[uint32]struct{}{}
	if o.prev != nil {
		prevTags = o.prev.Tags
	}
	fields := map[types.PropertyID]struct{}{}
	for field := range o.doc.Tags {
		fields[field] = struct{}{}
	}
	for field := range prevTags {
		fields[field] = struct{}{}
	}
	for field := range fields {
		oldSet, newSet := prevTags[field], o.doc.Tags[field]
		for value := range newSet {
			if _, had := oldSet[value]; !had {
				plan.TagChanges = append(plan.TagChanges, TagChange{Field: field, Value: value, Op: OpSet})
			}
		}
		for value := range oldSet {
			if _, has := newSet[value]; !has {
				plan.TagChanges = append(plan.TagChanges, TagChange{Field: field, Value: value, Op: OpClear})
			}
		}
	}

	var prevACL []types.ACLEntry
	if o.prev != nil {
		prevACL = o.prev.ACL
	}
	plan.ACLChanges = GetChangedACLs(prevACL, o.doc.ACL)

	return plan
}

func valuesEqual(a, b types.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case types.KindNull:
		return true
	case types.KindID:
		return a.ID == b.ID
	case types.KindText:
		return a.Text == b.Text
	case types.KindBool:
		return a.Bool == b.Bool
	case types.KindNumber:
		return a.Number == b.Number
	case types.KindIDList:
		return idListEqual(a.IDList, b.IDList)
	case types.KindTextList:
		return textListEqual(a.TxtList, b.TxtList)
	case types.KindRecord:
		if len(a.Record) != len(b.Record) {
			return false
		}
		for k, av := range a.Record {
			bv, ok := b.Record[k]
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func idListEqual(a, b []types.JMAPID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func textListEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
