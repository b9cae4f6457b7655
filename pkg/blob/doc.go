/*
Package blob implements the content-addressed blob store (component C2):
immutable byte payloads identified by a content hash, sharded across a
configurable number of hash-prefix directory levels on disk, with
reference counts tracked in the ordered KV store's Blobs column family.

# Identity

A BlobID is the payload's SHA-256 digest followed by its LEB128-encoded
length, matching the wire format described for blob ids. The digest
portion also picks the blob's shard directories, so two different
payloads never collide on disk even under a shallow nesting depth.

# Layout

Put writes the file at <baseDir>/<shard dirs>/<full hex of BlobID>, where
the number of two-hex-character shard levels is configurable from 1 to
5. Writes are create + write-all + flush, matching how the ordered KV
substrate's design treats durability: fsync before acknowledging.

# Reference counting and grace period

Put is idempotent: uploading the same bytes twice bumps a refcount
instead of writing twice, and reports whether the blob already existed.
Delete decrements the refcount; when it reaches zero the blob becomes
eligible for physical removal only after a configurable grace period has
elapsed, swept by Reap. This mirrors the document store's own two-phase
delete (log the intent, reap later) rather than unlinking synchronously,
so a delete racing a fresh put of the same content never removes bytes
still in use.
*/
package blob
