package kv

import "errors"

// ErrNotFound is returned by Get (and Tx.Get) when the key is absent from
// the column family.
var ErrNotFound = errors.New("kv: key not found")

// ColumnFamily names one of the six buckets the core relies on. It is a
// distinct type (rather than a bare string) so a typo in a caller shows up
// as a compile error, not a silently-empty bucket.
type ColumnFamily string

const (
	CFValues  ColumnFamily = "values"
	CFIndexes ColumnFamily = "indexes"
	CFBitmaps ColumnFamily = "bitmaps"
	CFBlobs   ColumnFamily = "blobs"
	CFLogs    ColumnFamily = "logs"
	CFTerms   ColumnFamily = "terms"
)

// columnFamilies lists every bucket that must exist before the store is
// usable; Open creates any that are missing.
var columnFamilies = []ColumnFamily{CFValues, CFIndexes, CFBitmaps, CFBlobs, CFLogs, CFTerms}

// IterFunc is called once per key/value pair during a prefix iteration.
// Returning false stops iteration early without an error; returning a
// non-nil error stops iteration and propagates the error to the caller.
type IterFunc func(key, value []byte) (more bool, err error)
