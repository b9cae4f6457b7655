package mime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlobResolver struct {
	blobs map[string][]byte
}

func (f fakeBlobResolver) Get(blobID string) ([]byte, error) {
	return f.blobs[blobID], nil
}

func TestBuildMessageSinglePartRoundTrips(t *testing.T) {
	in := &BuildInput{
		From:    []Address{{Name: "Alice", Email: "alice@example.com"}},
		To:      []Address{{Email: "bob@example.com"}},
		Subject: "hello world",
		Body:    &BodyPart{Type: "text/plain", PartID: "p1"},
		BodyValues: map[string]BodyValue{
			"p1": {Value: "hi there"},
		},
	}

	raw, err := BuildMessage(in, nil)
	require.NoError(t, err)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)

	assert.Equal(t, "hello world", parsed.Subject)
	require.Len(t, parsed.From, 1)
	assert.Equal(t, "alice@example.com", parsed.From[0].Email)
	assert.Equal(t, "Alice", parsed.From[0].Name)
	require.Len(t, parsed.To, 1)
	assert.Equal(t, "bob@example.com", parsed.To[0].Email)

	require.NotNil(t, parsed.Body)
	assert.Equal(t, "text/plain", parsed.Body.Type)
	bv, ok := parsed.BodyValues[parsed.Body.PartID]
	require.True(t, ok)
	assert.Equal(t, "hi there", bv.Value)
}

func TestBuildMessageMultipartAlternativeRoundTrips(t *testing.T) {
	in := &BuildInput{
		Subject: "multi",
		Body: &BodyPart{
			Type: "multipart/alternative",
			SubParts: []*BodyPart{
				{Type: "text/plain", PartID: "text"},
				{Type: "text/html", PartID: "html"},
			},
		},
		BodyValues: map[string]BodyValue{
			"text": {Value: "plain body"},
			"html": {Value: "<p>html body</p>"},
		},
	}

	raw, err := BuildMessage(in, nil)
	require.NoError(t, err)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)

	require.NotNil(t, parsed.Body)
	require.Len(t, parsed.Body.SubParts, 2)

	var sawPlain, sawHTML bool
	for _, part := range parsed.Body.SubParts {
		bv := parsed.BodyValues[part.PartID]
		switch part.Type {
		case "text/plain":
			sawPlain = true
			assert.Equal(t, "plain body", bv.Value)
		case "text/html":
			sawHTML = true
			assert.Contains(t, bv.Value, "html body")
		}
	}
	assert.True(t, sawPlain, "expected a text/plain subpart")
	assert.True(t, sawHTML, "expected a text/html subpart")
}

func TestBuildMessageWithAttachmentFromBlob(t *testing.T) {
	resolver := fakeBlobResolver{blobs: map[string][]byte{
		"deadbeef": []byte("binary payload"),
	}}
	in := &BuildInput{
		Subject: "with attachment",
		Body: &BodyPart{
			Type: "multipart/mixed",
			SubParts: []*BodyPart{
				{Type: "text/plain", PartID: "p1"},
				{Type: "application/octet-stream", BlobID: "deadbeef", Disposition: "attachment", Name: "file.bin"},
			},
		},
		BodyValues: map[string]BodyValue{
			"p1": {Value: "see attached"},
		},
	}

	raw, err := BuildMessage(in, resolver)
	require.NoError(t, err)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	require.Len(t, parsed.Body.SubParts, 2)
}

func TestStripHTMLCollapsesTagsAndWhitespace(t *testing.T) {
	out := StripHTML([]byte("<p>Hello <b>world</b></p><script>evil()</script><p>Bye</p>"))
	assert.Equal(t, "Hello world Bye", out)
}

func TestTruncateRespectsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "he", Truncate("hello", 2))
}

func TestFormatAddressEncodesNonASCIIName(t *testing.T) {
	a := Address{Name: "Jörg", Email: "jorg@example.com"}
	formatted := FormatAddress(a)
	parsed, err := ParseAddress(formatted)
	require.NoError(t, err)
	assert.Equal(t, "Jörg", parsed.Name)
	assert.Equal(t, "jorg@example.com", parsed.Email)
}
