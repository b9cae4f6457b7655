package blob

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidBlobID is returned when a serialized blob id cannot be
// parsed back into an ID.
var ErrInvalidBlobID = errors.New("blob: invalid blob id")

// ID identifies an immutable blob by content hash and length: the hash
// alone is already collision-resistant, but carrying the length lets
// get_range callers clamp ranges without a separate stat round trip
// through the KV store. No corpus dependency offers content hashing, so
// this uses crypto/sha256 directly (see DESIGN.md).
type ID struct {
	hash   [sha256.Size]byte
	length uint64
}

// Of computes the ID for payload.
func Of(payload []byte) ID {
	return ID{hash: sha256.Sum256(payload), length: uint64(len(payload))}
}

// Length is the payload's byte length.
func (id ID) Length() uint64 { return id.length }

// Bytes serializes the id as sha256(32 bytes) ‖ LEB128(length), which also
// doubles as its kv.CFBlobs key and the basis of its on-disk filename.
func (id ID) Bytes() []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], id.length)
	out := make([]byte, 0, sha256.Size+n)
	out = append(out, id.hash[:]...)
	out = append(out, lenBuf[:n]...)
	return out
}

// Hex is the full lowercase hex encoding used as the blob's on-disk file
// name.
func (id ID) Hex() string {
	return hex.EncodeToString(id.Bytes())
}

// ShardPath returns the `levels` two-hex-character directory segments
// derived from the hash, used to keep any one directory from holding
// every blob in the store.
func (id ID) ShardPath(levels int) []string {
	hexHash := hex.EncodeToString(id.hash[:])
	if levels < 1 {
		levels = 1
	}
	if levels > 5 {
		levels = 5
	}
	segments := make([]string, 0, levels)
	for i := 0; i < levels; i++ {
		segments = append(segments, hexHash[i*2:i*2+2])
	}
	return segments
}

// ParseID decodes an ID from the bytes produced by Bytes.
func ParseID(data []byte) (ID, error) {
	if len(data) < sha256.Size+1 {
		return ID{}, ErrInvalidBlobID
	}
	var id ID
	copy(id.hash[:], data[:sha256.Size])
	length, n := binary.Uvarint(data[sha256.Size:])
	if n <= 0 {
		return ID{}, ErrInvalidBlobID
	}
	id.length = length
	return id, nil
}

func (id ID) String() string {
	return fmt.Sprintf("blob:%s:%d", hex.EncodeToString(id.hash[:8]), id.length)
}
