package changelog

import (
	"errors"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/jmap-core/jmapd/pkg/types"
)

// ErrCorruptEntry is returned when a change-log entry fails to decode.
var ErrCorruptEntry = errors.New("changelog: corrupt entry")

// EntryKind tags the shape of a raw change-log entry.
type EntryKind byte

const (
	// KindDelta is the common case: a changeId's insert/update/childUpdate/
	// delete id lists, LEB128-encoded.
	KindDelta EntryKind = iota
	// KindSnapshot marks a compaction point: everything before it is
	// folded into a Roaring present-ids bitmap.
	KindSnapshot
)

// Delta is the uncollapsed set of ids touched by a single changeId.
type Delta struct {
	Inserted     []types.DocumentID
	Updated      []types.DocumentID
	ChildUpdated []types.DocumentID
	Destroyed    []types.DocumentID
}

// encode serializes a Delta as:
//
//	kind(1) | len(inserted) ids... | len(updated) ids... |
//	len(childUpdated) ids... | len(destroyed) ids...
//
// every length and id LEB128-encoded.
func (d Delta) encode() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(KindDelta))
	buf = appendIDList(buf, d.Inserted)
	buf = appendIDList(buf, d.Updated)
	buf = appendIDList(buf, d.ChildUpdated)
	buf = appendIDList(buf, d.Destroyed)
	return buf
}

func appendIDList(buf []byte, ids []types.DocumentID) []byte {
	buf = appendLEB128(buf, uint64(len(ids)))
	for _, id := range ids {
		buf = appendLEB128(buf, uint64(id))
	}
	return buf
}

func readIDList(buf []byte) ([]types.DocumentID, []byte, error) {
	n, adv := readLEB128(buf)
	if adv <= 0 {
		return nil, nil, ErrCorruptEntry
	}
	buf = buf[adv:]
	ids := make([]types.DocumentID, 0, n)
	for i := uint64(0); i < n; i++ {
		v, adv := readLEB128(buf)
		if adv <= 0 {
			return nil, nil, ErrCorruptEntry
		}
		ids = append(ids, types.DocumentID(v))
		buf = buf[adv:]
	}
	return ids, buf, nil
}

func decodeDelta(buf []byte) (Delta, error) {
	var d Delta
	var err error
	if d.Inserted, buf, err = readIDList(buf); err != nil {
		return Delta{}, err
	}
	if d.Updated, buf, err = readIDList(buf); err != nil {
		return Delta{}, err
	}
	if d.ChildUpdated, buf, err = readIDList(buf); err != nil {
		return Delta{}, err
	}
	if d.Destroyed, _, err = readIDList(buf); err != nil {
		return Delta{}, err
	}
	return d, nil
}

// decodeEntry dispatches on the leading kind byte.
func decodeEntry(raw []byte) (EntryKind, Delta, *roaring.Bitmap, error) {
	if len(raw) == 0 {
		return 0, Delta{}, nil, ErrCorruptEntry
	}
	switch EntryKind(raw[0]) {
	case KindDelta:
		d, err := decodeDelta(raw[1:])
		return KindDelta, d, nil, err
	case KindSnapshot:
		bm := roaring.NewBitmap()
		if _, err := bm.FromBuffer(raw[1:]); err != nil {
			return 0, Delta{}, nil, err
		}
		return KindSnapshot, Delta{}, bm, nil
	default:
		return 0, Delta{}, nil, ErrCorruptEntry
	}
}

// encodeSnapshot serializes a present-ids bitmap as a KindSnapshot entry.
func encodeSnapshot(bm *roaring.Bitmap) ([]byte, error) {
	data, err := bm.ToBytes()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, byte(KindSnapshot))
	buf = append(buf, data...)
	return buf, nil
}
