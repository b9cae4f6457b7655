/*
Package orm implements the document/ORM layer (component C4): TinyORM,
the in-memory editable view of a single document used by the JMAP
coordinator's set operations, plus the supporting tag-bitmap, secondary
index, and ACL helpers that turn an edited document into a minimal
storage write plan.

# Three-phase edit

A TinyORM is built from a decoded JMAP request (New or FromPrevious,
then SetProperty/Tag/ACLUpdate and the other setters), checked against
a ValidationRules describing required properties, id-reference fields,
and structural ACL constraints (Validate), then diffed against the
document's previous revision to emit a WritePlan naming exactly the
property/tag/ACL changes that differ (Diff). Unchanged properties never
appear in the plan, so replicas that apply the same plan converge on
the same stored bytes regardless of how the edit was expressed.

# Tag bitmaps and indexes

Tag membership (mailbox ids, keywords, ...) is modeled as one Roaring
bitmap per (account, collection, field, tag value); see pkg/kv's
BitmapKey. Indexed properties are converted to collation-aware byte
keys by index.go so the ordered KV's lexicographic iteration produces
the property's declared sort order directly.
*/
package orm
