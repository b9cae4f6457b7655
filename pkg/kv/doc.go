/*
Package kv implements the ordered key-value substrate the rest of jmapd's
core is built on (component C1 of the design).

It wraps go.etcd.io/bbolt with the contract the upper layers (pkg/orm,
pkg/changelog, pkg/blob) actually need: get/put/delete, forward and
backward prefix iteration, atomic multi-key write batches across column
families, and a striped mutex map for per-key critical sections that
don't require a lock per key.

# Column families

Six buckets, each holding a disjoint part of the system's state:

  - Values:  document property blobs, keyed account|collection|doc|field
  - Indexes: secondary indexes, keyed account|collection|field|value|doc
  - Bitmaps: tag-membership and document-id Roaring bitmaps
  - Blobs:   blob metadata (refcounts); payload bytes live on the filesystem
  - Logs:    change log and Raft log entries, sharing a key prefix byte
  - Terms:   full-text token index (no query planner lives in this repo)

# Key ordering

All multi-byte integers in keys are big-endian so that bbolt's natural
byte-lexicographic cursor order is also numeric order — required for
change log replay and indexed-property sort order alike.
*/
package kv
