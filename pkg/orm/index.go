package orm

import (
	"encoding/binary"
	"math"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/jmap-core/jmapd/pkg/types"
)

// collator produces the collation-aware sort keys used for Text
// properties. A single shared, unrooted (language.Und) collator keeps
// index keys stable regardless of the server's locale configuration —
// sort order must be a function of the stored bytes alone so every
// replica derives the same key.
var collator = collate.New(language.Und)

// IndexKeyBytes derives the sortable byte key stored for an indexed
// property's value, matching its declared collation: collation-aware
// for Text, sign-adjusted big-endian for Number, one byte for Bool,
// big-endian for Id. Null and multi-valued kinds (id lists, text lists,
// records) yield nil: they are not indexable by value.
func IndexKeyBytes(v types.Value) []byte {
	switch v.Kind {
	case types.KindNull:
		return nil
	case types.KindText:
		var buf collate.Buffer
		return append([]byte(nil), collator.KeyFromString(&buf, v.Text)...)
	case types.KindBool:
		if v.Bool {
			return []byte{1}
		}
		return []byte{0}
	case types.KindNumber:
		// IEEE754 bits, sign-flipped so lexicographic byte order matches
		// numeric order for both positive and negative floats.
		bits := math.Float64bits(v.Number)
		if v.Number >= 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, bits)
		return buf
	case types.KindID:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.ID))
		return buf
	default:
		return nil
	}
}
