package kv

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// GetBitmap reads and deserializes a Roaring bitmap stored at key in cf.
// A missing key returns an empty (not nil) bitmap.
func (s *Store) GetBitmap(cf ColumnFamily, key []byte) (*roaring.Bitmap, error) {
	var bm *roaring.Bitmap
	err := s.View(func(tx *Tx) error {
		var err error
		bm, err = txGetBitmap(tx, cf, key)
		return err
	})
	return bm, err
}

func txGetBitmap(tx *Tx, cf ColumnFamily, key []byte) (*roaring.Bitmap, error) {
	data, err := tx.Get(cf, key)
	if err == ErrNotFound {
		return roaring.NewBitmap(), nil
	}
	if err != nil {
		return nil, err
	}
	bm := roaring.NewBitmap()
	// On-disk bitmaps are trusted data written by this same process, so
	// the zero-copy, unchecked deserialization path is acceptable (see
	// spec's binary-formats note on Roaring bitmap serialization). tx.Get
	// already returned an owned copy of the bytes, so aliasing is safe.
	if _, err := bm.FromBuffer(data); err != nil {
		return nil, err
	}
	return bm, nil
}

// txPutBitmap serializes and writes bm at key in cf within an open
// transaction, so callers can fold a bitmap mutation into a larger atomic
// write batch alongside Values/Indexes/Logs updates.
func txPutBitmap(tx *Tx, cf ColumnFamily, key []byte, bm *roaring.Bitmap) error {
	data, err := bm.ToBytes()
	if err != nil {
		return err
	}
	return tx.Put(cf, key, data)
}

// TxGetBitmap exposes txGetBitmap to other packages operating inside an
// already-open Tx (pkg/orm, pkg/changelog).
func TxGetBitmap(tx *Tx, cf ColumnFamily, key []byte) (*roaring.Bitmap, error) {
	return txGetBitmap(tx, cf, key)
}

// TxPutBitmap exposes txPutBitmap to other packages.
func TxPutBitmap(tx *Tx, cf ColumnFamily, key []byte, bm *roaring.Bitmap) error {
	return txPutBitmap(tx, cf, key, bm)
}

// DecodeBitmapBytes deserializes a Roaring bitmap from raw bytes already
// read out of a cursor (pkg/raftlog's metrics collector scans the whole
// Bitmaps bucket itself rather than looking up one key at a time).
func DecodeBitmapBytes(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.NewBitmap()
	if _, err := bm.FromBuffer(data); err != nil {
		return nil, err
	}
	return bm, nil
}
