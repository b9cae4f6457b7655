package orm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/types"
)

// Property value wire tags for the Values column family. One byte of
// kind, then a kind-specific encoding — this is the on-disk format for
// a single document property, distinct from IndexKeyBytes's
// collation-aware sort key for the same value.
const (
	tagNull byte = iota
	tagID
	tagText
	tagBool
	tagNumber
	tagRecord
	tagIDList
	tagTextList
)

// EncodeValue serializes v into the byte form stored in the Values
// column family.
func EncodeValue(v types.Value) []byte {
	switch v.Kind {
	case types.KindNull:
		return []byte{tagNull}
	case types.KindID:
		buf := make([]byte, 9)
		buf[0] = tagID
		binary.BigEndian.PutUint64(buf[1:], uint64(v.ID))
		return buf
	case types.KindText:
		return encodeTagged(tagText, []byte(v.Text))
	case types.KindBool:
		if v.Bool {
			return []byte{tagBool, 1}
		}
		return []byte{tagBool, 0}
	case types.KindNumber:
		buf := make([]byte, 9)
		buf[0] = tagNumber
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.Number))
		return buf
	case types.KindRecord:
		return encodeRecord(v.Record)
	case types.KindIDList:
		return encodeIDList(v.IDList)
	case types.KindTextList:
		return encodeTextList(v.TxtList)
	default:
		return []byte{tagNull}
	}
}

// DecodeValue deserializes bytes written by EncodeValue.
func DecodeValue(data []byte) (types.Value, error) {
	if len(data) == 0 {
		return types.NullValue, fmt.Errorf("orm: decode value: empty input")
	}
	switch data[0] {
	case tagNull:
		return types.NullValue, nil
	case tagID:
		if len(data) != 9 {
			return types.NullValue, fmt.Errorf("orm: decode id value: bad length %d", len(data))
		}
		return types.IDValue(types.JMAPID(binary.BigEndian.Uint64(data[1:]))), nil
	case tagText:
		s, _, err := decodeTagged(data)
		if err != nil {
			return types.NullValue, err
		}
		return types.TextValue(string(s)), nil
	case tagBool:
		if len(data) != 2 {
			return types.NullValue, fmt.Errorf("orm: decode bool value: bad length %d", len(data))
		}
		return types.BoolValue(data[1] != 0), nil
	case tagNumber:
		if len(data) != 9 {
			return types.NullValue, fmt.Errorf("orm: decode number value: bad length %d", len(data))
		}
		return types.NumberValue(math.Float64frombits(binary.BigEndian.Uint64(data[1:]))), nil
	case tagRecord:
		return decodeRecord(data)
	case tagIDList:
		return decodeIDList(data)
	case tagTextList:
		return decodeTextList(data)
	default:
		return types.NullValue, fmt.Errorf("orm: decode value: unknown tag %d", data[0])
	}
}

func encodeTagged(tag byte, payload []byte) []byte {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// decodeTagged reads the length-prefixed payload following the tag
// byte, returning the payload and the number of bytes consumed.
func decodeTagged(data []byte) ([]byte, int, error) {
	if len(data) < 5 {
		return nil, 0, fmt.Errorf("orm: decode tagged value: truncated header")
	}
	n := binary.BigEndian.Uint32(data[1:5])
	end := 5 + int(n)
	if end > len(data) {
		return nil, 0, fmt.Errorf("orm: decode tagged value: truncated payload")
	}
	return data[5:end], end, nil
}

func encodeIDList(ids []types.JMAPID) []byte {
	buf := make([]byte, 1+4+8*len(ids))
	buf[0] = tagIDList
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(ids)))
	for i, id := range ids {
		binary.BigEndian.PutUint64(buf[5+8*i:], uint64(id))
	}
	return buf
}

func decodeIDList(data []byte) (types.Value, error) {
	if len(data) < 5 {
		return types.NullValue, fmt.Errorf("orm: decode id list: truncated header")
	}
	n := binary.BigEndian.Uint32(data[1:5])
	if len(data) != 5+8*int(n) {
		return types.NullValue, fmt.Errorf("orm: decode id list: bad length")
	}
	ids := make([]types.JMAPID, n)
	for i := range ids {
		ids[i] = types.JMAPID(binary.BigEndian.Uint64(data[5+8*i:]))
	}
	return types.IDListValue(ids), nil
}

func encodeTextList(list []string) []byte {
	buf := []byte{tagTextList}
	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(list)))
	buf = append(buf, countBuf...)
	for _, s := range list {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(s)))
		buf = append(buf, lenBuf...)
		buf = append(buf, s...)
	}
	return buf
}

func decodeTextList(data []byte) (types.Value, error) {
	if len(data) < 5 {
		return types.NullValue, fmt.Errorf("orm: decode text list: truncated header")
	}
	n := binary.BigEndian.Uint32(data[1:5])
	off := 5
	list := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+4 > len(data) {
			return types.NullValue, fmt.Errorf("orm: decode text list: truncated entry header")
		}
		l := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		if off+int(l) > len(data) {
			return types.NullValue, fmt.Errorf("orm: decode text list: truncated entry")
		}
		list = append(list, string(data[off:off+int(l)]))
		off += int(l)
	}
	return types.TextListValue(list), nil
}

// encodeRecord/decodeRecord handle the one level of nesting JMAP needs
// (e.g. Email/EmailAddress objects) by recursing through EncodeValue
// for each field; records are not expected to nest more than a couple
// of levels deep, so no explicit-stack iteration is needed here (unlike
// pkg/mime's MIME body recursion, which is client-controlled depth).
func encodeRecord(fields map[types.PropertyID]types.Value) []byte {
	buf := []byte{tagRecord}
	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(fields)))
	buf = append(buf, countBuf...)
	for field, value := range fields {
		buf = append(buf, byte(field))
		encoded := EncodeValue(value)
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(encoded)))
		buf = append(buf, lenBuf...)
		buf = append(buf, encoded...)
	}
	return buf
}

func decodeRecord(data []byte) (types.Value, error) {
	if len(data) < 5 {
		return types.NullValue, fmt.Errorf("orm: decode record: truncated header")
	}
	n := binary.BigEndian.Uint32(data[1:5])
	off := 5
	fields := make(map[types.PropertyID]types.Value, n)
	for i := uint32(0); i < n; i++ {
		if off+5 > len(data) {
			return types.NullValue, fmt.Errorf("orm: decode record: truncated field header")
		}
		field := types.PropertyID(data[off])
		l := binary.BigEndian.Uint32(data[off+1 : off+5])
		off += 5
		if off+int(l) > len(data) {
			return types.NullValue, fmt.Errorf("orm: decode record: truncated field value")
		}
		value, err := DecodeValue(data[off : off+int(l)])
		if err != nil {
			return types.NullValue, err
		}
		fields[field] = value
		off += int(l)
	}
	return types.RecordValue(fields), nil
}

// LoadDocument reconstructs a document's property map from the Values
// column family. Tags and indexes are write-time derived structures
// (tag bitmaps, sort keys) rather than per-document storage, so they
// are not restored here — callers needing tag membership query the
// Bitmaps column family directly (see pkg/kv.GetBitmap).
func LoadDocument(store *kv.Store, account types.AccountID, collection types.Collection, id types.DocumentID) (*types.Document, bool, error) {
	doc := types.NewDocument(account, collection, id)
	found := false

	prefix := kv.ValuePrefix(account, collection, id)
	err := store.IteratePrefix(kv.CFValues, prefix, false, func(key, value []byte) (bool, error) {
		found = true
		field := types.PropertyID(key[len(key)-1])
		v, err := DecodeValue(value)
		if err != nil {
			return false, fmt.Errorf("orm: load document: field %d: %w", field, err)
		}
		doc.Properties[field] = v
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return doc, true, nil
}
