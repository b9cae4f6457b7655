/*
Package changelog implements the per-(account, collection) ordered change
log (component C3): the append-only sequence of Insert/Update/ChildUpdate/
Delete entries that backs JMAP's "changes since state X" semantics, and
its compaction into Roaring-bitmap snapshots.

# Keys

Change log and Raft log entries share the kv.CFLogs column family, keyed
by ChangeKey and RaftKey — a one-byte kind tag (change vs raft) followed
by big-endian ids so forward iteration yields ascending order.

# Write path

Append serializes a raw LogEntry with LEB128 counters followed by
LEB128-encoded DocumentIDs (see pkg/changelog/leb128.go). No collapsing
happens on write — the log is an event stream; collapsing happens once,
on read, in Log.All/Since/SinceInclusive/RangeInclusive.

# Read path

Log.All, Since, SinceInclusive and RangeInclusive replay a changeId range
and apply the collapse rules
from the design: an Update is dropped if a prior Insert of the same id is
still pending, and a repeated Update/Delete of the same id replaces the
older entry. ChildUpdate entries are tracked on an independent collapse
track and folded into the "updated" output, per this repo's resolution of
the corresponding Open Question (see DESIGN.md).
*/
package changelog
