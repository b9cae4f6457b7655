/*
Package types defines the core data structures shared across jmapd.

This package contains the domain model that every other package builds on:
accounts, collections, document identifiers, the typed property bag that
backs every stored object, and the permission/ACL model layered on top of
it. Nothing in this package talks to storage directly — pkg/kv, pkg/orm,
and pkg/changelog all import types but types imports none of them.

# Core Types

Identity:
  - AccountID: 32-bit tenant identifier
  - Collection: 1-byte object-kind tag (Mail, Mailbox, Thread, ...)
  - DocumentID: 32-bit id unique within (account, collection)
  - JMAPID: 64-bit external id, DocumentID in the low 32 bits plus a
    collection-specific prefix in the high 32 bits

Document model:
  - Document: property map + tag sets + index entries + ACL list for one
    object
  - Value: a tagged union (Null/ID/Text/Bool/Number/Record/IDList/TextList)
    for a single property
  - ACLEntry: one (account, permission bitmap) pair

These types are deliberately storage-agnostic: pkg/kv encodes them into
bytes, pkg/orm edits them in memory, and pkg/changelog references
DocumentIDs without ever constructing a Document itself.
*/
package types
