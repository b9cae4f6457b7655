package kv

import (
	"encoding/binary"

	"github.com/jmap-core/jmapd/pkg/types"
)

// Key encoding helpers for the Values and Indexes column families. Every
// multi-byte integer is big-endian so bbolt's byte-lexicographic cursor
// order matches numeric order.

// ValueKey builds the Values key: account | collection | document_id | field_id.
func ValueKey(account types.AccountID, collection types.Collection, doc types.DocumentID, field types.PropertyID) []byte {
	key := make([]byte, 4+1+4+1)
	binary.BigEndian.PutUint32(key[0:4], uint32(account))
	key[4] = byte(collection)
	binary.BigEndian.PutUint32(key[5:9], uint32(doc))
	key[9] = byte(field)
	return key
}

// ValuePrefix builds the key prefix for every field of one document, used
// to delete/enumerate a document's full property set.
func ValuePrefix(account types.AccountID, collection types.Collection, doc types.DocumentID) []byte {
	key := make([]byte, 4+1+4)
	binary.BigEndian.PutUint32(key[0:4], uint32(account))
	key[4] = byte(collection)
	binary.BigEndian.PutUint32(key[5:9], uint32(doc))
	return key
}

// CollectionPrefix builds the key prefix for every document in one
// (account, collection) pair.
func CollectionPrefix(account types.AccountID, collection types.Collection) []byte {
	key := make([]byte, 4+1)
	binary.BigEndian.PutUint32(key[0:4], uint32(account))
	key[4] = byte(collection)
	return key
}

// IndexKey builds the Indexes key: account | collection | field_id | value_bytes | document_id.
// value is the collation-aware byte key already derived from the
// property's value (see pkg/orm for value-to-bytes conversion).
func IndexKey(account types.AccountID, collection types.Collection, field types.PropertyID, value []byte, doc types.DocumentID) []byte {
	key := make([]byte, 4+1+1+len(value)+4)
	off := 0
	binary.BigEndian.PutUint32(key[off:], uint32(account))
	off += 4
	key[off] = byte(collection)
	off++
	key[off] = byte(field)
	off++
	copy(key[off:], value)
	off += len(value)
	binary.BigEndian.PutUint32(key[off:], uint32(doc))
	return key
}

// IndexFieldPrefix builds the prefix matching every indexed value for one
// field, used for equality filters and full-field sort scans.
func IndexFieldPrefix(account types.AccountID, collection types.Collection, field types.PropertyID) []byte {
	key := make([]byte, 4+1+1)
	binary.BigEndian.PutUint32(key[0:4], uint32(account))
	key[4] = byte(collection)
	key[5] = byte(field)
	return key
}

// IndexValuePrefix builds the prefix matching a specific indexed value
// (an equality filter), before the trailing document id.
func IndexValuePrefix(account types.AccountID, collection types.Collection, field types.PropertyID, value []byte) []byte {
	return append(IndexFieldPrefix(account, collection, field), value...)
}

// BitmapKey builds the Bitmaps key for a tag bitmap: account | collection | field_id | tag_value.
func BitmapKey(account types.AccountID, collection types.Collection, field types.PropertyID, tagValue uint32) []byte {
	key := make([]byte, 4+1+1+4)
	binary.BigEndian.PutUint32(key[0:4], uint32(account))
	key[4] = byte(collection)
	key[5] = byte(field)
	binary.BigEndian.PutUint32(key[6:10], tagValue)
	return key
}

// DocumentIDBitmapKey builds the Bitmaps key holding the live-document-id
// bitmap for one (account, collection) pair — the set folded from the
// change log (see pkg/changelog).
func DocumentIDBitmapKey(account types.AccountID, collection types.Collection) []byte {
	key := make([]byte, 4+1+1)
	binary.BigEndian.PutUint32(key[0:4], uint32(account))
	key[4] = byte(collection)
	key[5] = 0xff // reserved field id distinguishing this from tag bitmaps
	return key
}
