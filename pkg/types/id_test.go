package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJMAPIDRoundTrip(t *testing.T) {
	ids := []JMAPID{0, 1, 255, NewJMAPID(42, 7), NewJMAPID(0xdeadbeef, 0x1)}
	for _, id := range ids {
		parsed, err := ParseJMAPID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}
}

func TestJMAPIDPrefixAndDocument(t *testing.T) {
	id := NewJMAPID(42, 7)
	assert.Equal(t, uint32(42), id.Prefix())
	assert.Equal(t, DocumentID(7), id.Document())
}

func TestParseJMAPIDRejectsBadStrings(t *testing.T) {
	cases := []string{"", "x1", "i", "iABCD", "i12g", "1234"}
	for _, c := range cases {
		_, err := ParseJMAPID(c)
		assert.ErrorIs(t, err, ErrInvalidJMAPID, "input %q should be rejected", c)
	}
}

func TestStateTokenRoundTrip(t *testing.T) {
	tokens := []StateToken{
		{ChangeID: 0},
		{ChangeID: 123456},
		{ChangeID: 7, TypeTag: "thread"},
	}
	for _, tok := range tokens {
		parsed, err := ParseStateToken(tok.String())
		require.NoError(t, err)
		assert.Equal(t, tok, parsed)
	}
}
