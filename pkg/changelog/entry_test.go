package changelog

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmap-core/jmapd/pkg/types"
)

func TestDeltaEncodeDecodeRoundTrip(t *testing.T) {
	d := Delta{
		Inserted:     []types.DocumentID{1, 2, 3},
		Updated:      []types.DocumentID{4},
		ChildUpdated: []types.DocumentID{5, 6},
		Destroyed:    []types.DocumentID{},
	}
	encoded := d.encode()

	kind, decoded, _, err := decodeEntry(encoded)
	require.NoError(t, err)
	assert.Equal(t, KindDelta, kind)
	assert.Equal(t, d.Inserted, decoded.Inserted)
	assert.Equal(t, d.Updated, decoded.Updated)
	assert.Equal(t, d.ChildUpdated, decoded.ChildUpdated)
	assert.Empty(t, decoded.Destroyed)
}

func TestSnapshotEncodeDecodeRoundTrip(t *testing.T) {
	bm := roaring.NewBitmap()
	bm.Add(1)
	bm.Add(100)
	bm.Add(1000)

	encoded, err := encodeSnapshot(bm)
	require.NoError(t, err)

	kind, _, decodedBM, err := decodeEntry(encoded)
	require.NoError(t, err)
	assert.Equal(t, KindSnapshot, kind)
	assert.True(t, decodedBM.Contains(1))
	assert.True(t, decodedBM.Contains(100))
	assert.True(t, decodedBM.Contains(1000))
	assert.False(t, decodedBM.Contains(2))
}

func TestLEB128RoundTripLargeValues(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 32, ^uint64(0)}
	for _, v := range values {
		buf := appendLEB128(nil, v)
		got, n := readLEB128(buf)
		assert.Equal(t, v, got)
		assert.Equal(t, len(buf), n)
	}
}
