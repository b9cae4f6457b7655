package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmap-core/jmapd/pkg/kv"
	"github.com/jmap-core/jmapd/pkg/types"
)

func TestEncodeDecodeValueRoundTrip(t *testing.T) {
	cases := []types.Value{
		types.NullValue,
		types.TextValue("hello"),
		types.BoolValue(true),
		types.BoolValue(false),
		types.NumberValue(-3.5),
		types.NumberValue(42),
		types.IDValue(types.JMAPID(123)),
		types.IDListValue([]types.JMAPID{1, 2, 3}),
		types.TextListValue([]string{"a", "b"}),
		types.RecordValue(map[types.PropertyID]types.Value{
			1: types.TextValue("nested"),
			2: types.BoolValue(true),
		}),
	}

	for _, v := range cases {
		encoded := EncodeValue(v)
		decoded, err := DecodeValue(encoded)
		require.NoError(t, err)
		assert.Equal(t, v.Kind, decoded.Kind)
	}
}

func TestLoadDocumentReconstructsProperties(t *testing.T) {
	store, err := kv.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	account, collection, id := types.AccountID(1), types.CollectionMailbox, types.DocumentID(7)
	require.NoError(t, store.Update(func(tx *kv.Tx) error {
		if err := tx.Put(kv.CFValues, kv.ValueKey(account, collection, id, 1), EncodeValue(types.TextValue("Inbox"))); err != nil {
			return err
		}
		return tx.Put(kv.CFValues, kv.ValueKey(account, collection, id, 2), EncodeValue(types.BoolValue(true)))
	}))

	doc, found, err := LoadDocument(store, account, collection, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Inbox", doc.Properties[1].Text)
	assert.True(t, doc.Properties[2].Bool)

	_, found, err = LoadDocument(store, account, collection, types.DocumentID(999))
	require.NoError(t, err)
	assert.False(t, found)
}
