// Package mime builds and parses RFC 5322/2045 message bytes for the Mail
// object kind's build_message/parse_message operations, plus the charset
// and HTML-preview decoding a plaintext Mail preview needs.
package mime

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// DecodeCharset transforms body content from the named charset to UTF-8.
// Data labelled UTF-8/ASCII, or carrying an unknown charset, is returned
// as-is when it is valid UTF-8 and decoded as Latin-1 otherwise; if a
// decoder fails, the input is returned unchanged, so a single malformed
// part never fails the whole message.
func DecodeCharset(data []byte, charset string) ([]byte, error) {
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" {
		charset = "utf-8"
	}

	if charset == "utf-8" || charset == "utf8" || charset == "ascii" || charset == "us-ascii" {
		if utf8.Valid(data) {
			return data, nil
		}
		return decodeWith(charmap.ISO8859_1, data)
	}
	if charset == "latin1" || charset == "latin-1" || charset == "iso-8859-1" {
		return decodeWith(charmap.ISO8859_1, data)
	}

	enc, err := ianaindex.IANA.Encoding(charset)
	if err != nil || enc == nil {
		if utf8.Valid(data) {
			return data, nil
		}
		return decodeWith(charmap.ISO8859_1, data)
	}
	return decodeWith(enc, data)
}

func decodeWith(enc encoding.Encoding, data []byte) ([]byte, error) {
	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return data, nil
	}
	return out, nil
}

// DecodeCharsetReader is the io.Reader form of DecodeCharset. It reads r
// to the end and decodes the whole buffer before returning a reader over
// the result.
func DecodeCharsetReader(r io.Reader, charset string) (io.Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	decoded, err := DecodeCharset(data, charset)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(decoded), nil
}
