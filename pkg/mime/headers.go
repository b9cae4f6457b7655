package mime

import (
	"fmt"
	gomime "mime"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Address is one {name?, email} pair, matching the EmailAddress shape a
// Mail build/parse carries in address header properties.
type Address struct {
	Name  string
	Email string
}

var foldedWhitespace = regexp.MustCompile(`\r?\n[ \t]`)
var runsOfSpace = regexp.MustCompile(`  +`)

// DecodeHeaderText decodes RFC 2047 encoded words, unfolds continuation
// whitespace, and normalizes to NFC — the shape a JMAP subject/header
// string property is returned in regardless of the wire encoding it
// arrived in.
func DecodeHeaderText(value string) string {
	if value == "" {
		return ""
	}
	dec := new(gomime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		decoded = value
	}
	decoded = foldedWhitespace.ReplaceAllString(decoded, " ")
	decoded = strings.ReplaceAll(decoded, "\t", " ")
	decoded = runsOfSpace.ReplaceAllString(decoded, " ")
	return norm.NFC.String(strings.TrimSpace(decoded))
}

// EncodeHeaderText RFC-2047-encodes value if it isn't plain ASCII, for
// writing back into a built message's raw header bytes.
func EncodeHeaderText(value string) string {
	if isASCII(value) {
		return value
	}
	return gomime.QEncoding.Encode("utf-8", value)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			return false
		}
	}
	return true
}

// ParseAddressList decodes an address header into its list of addresses.
func ParseAddressList(value string) ([]Address, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return nil, fmt.Errorf("mime: parse address list: %w", err)
	}
	out := make([]Address, len(addrs))
	for i, a := range addrs {
		out[i] = Address{Name: DecodeHeaderText(a.Name), Email: a.Address}
	}
	return out, nil
}

// FormatAddressList renders addresses as a single RFC 5322 header value,
// RFC-2047-encoding any display name that needs it.
func FormatAddressList(addrs []Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, FormatAddress(a))
	}
	return strings.Join(parts, ", ")
}

// FormatAddress renders one address as "Name <email>", or bare email
// when there is no display name.
func FormatAddress(a Address) string {
	if a.Name == "" {
		return a.Email
	}
	m := mail.Address{Name: EncodeHeaderText(a.Name), Address: a.Email}
	return m.String()
}

// AddressToListValue packs a to/cc/bcc/replyTo header into the string
// form a Mail property's TextList stores — one formatted mailbox per
// entry, reparsed losslessly by ParseAddress on the way back out.
func AddressToListValue(addrs []Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, FormatAddress(a))
	}
	return out
}

// ParseAddress decodes one list entry produced by AddressToListValue.
func ParseAddress(s string) (Address, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("mime: parse address %q: %w", s, err)
	}
	return Address{Name: DecodeHeaderText(a.Name), Email: a.Address}, nil
}

// ParseAddressListValue decodes a TextList of formatted mailboxes back
// into Address values, skipping entries that fail to parse rather than
// failing the whole list — a single malformed historical entry should
// not make an otherwise-valid Mail unreadable.
func ParseAddressListValue(entries []string) []Address {
	out := make([]Address, 0, len(entries))
	for _, e := range entries {
		if a, err := ParseAddress(e); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// FormatDate renders t per RFC 5322 §3.3 for a Date header.
func FormatDate(t time.Time) string {
	return t.Format(time.RFC1123Z)
}

// ParseRFC3339 parses a JMAP UTCDate property value.
func ParseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
