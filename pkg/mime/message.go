package mime

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	gomime "mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
	"time"
)

// BlobResolver fetches a stored blob's payload by its hex id, for a Mail
// create whose body part references a blob rather than an inline
// bodyValues entry.
type BlobResolver interface {
	Get(blobID string) ([]byte, error)
}

// BodyValue is one entry of the JMAP bodyValues map: inline text content
// plus the charset/encoding it was submitted in.
type BodyValue struct {
	Value    string
	Charset  string
	IsBase64 bool
}

// BodyPart is one node of a Mail's MIME structure, mirroring JMAP's
// EmailBodyPart: a leaf with inline or blob-referenced content, or a
// multipart/* container with SubParts.
type BodyPart struct {
	Type        string
	PartID      string
	BlobID      string
	Charset     string
	Disposition string
	Name        string
	Headers     map[string]string
	SubParts    []*BodyPart
}

func isMultipartType(t string) bool {
	return strings.HasPrefix(strings.ToLower(t), "multipart/")
}

// BuildInput collects the envelope-level fields of a Mail create on top
// of its MIME body structure.
type BuildInput struct {
	From, To, Cc, Bcc, ReplyTo, Sender []Address
	Subject                            string
	SentAt                             time.Time
	Body                               *BodyPart
	BodyValues                         map[string]BodyValue
}

// BuildMessage renders a Mail create request into RFC 5322/2045 message
// bytes. multipart/* nesting is walked with an explicit stack rather than
// recursive calls so a maliciously or accidentally deep subParts tree
// cannot exhaust the goroutine stack independent of how deeply the
// client nested it.
func BuildMessage(in *BuildInput, blobs BlobResolver) ([]byte, error) {
	if in.Body == nil {
		return nil, fmt.Errorf("mime: build message: body is required")
	}

	bodyBytes, bodyHeader, err := buildBodyTree(in.Body, in.BodyValues, blobs)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writeHeader(&buf, "From", FormatAddressList(in.From))
	writeHeader(&buf, "To", FormatAddressList(in.To))
	writeHeader(&buf, "Cc", FormatAddressList(in.Cc))
	writeHeader(&buf, "Bcc", FormatAddressList(in.Bcc))
	writeHeader(&buf, "Reply-To", FormatAddressList(in.ReplyTo))
	writeHeader(&buf, "Sender", FormatAddressList(in.Sender))
	if in.Subject != "" {
		writeHeader(&buf, "Subject", EncodeHeaderText(in.Subject))
	}
	if !in.SentAt.IsZero() {
		writeHeader(&buf, "Date", FormatDate(in.SentAt))
	}
	writeHeader(&buf, "MIME-Version", "1.0")
	for k, v := range bodyHeader {
		writeHeader(&buf, k, v)
	}
	buf.WriteString("\r\n")
	buf.Write(bodyBytes)
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// multipartFrame is one open multipart/* container in the explicit
// build stack: a live multipart.Writer plus the subParts still pending.
type multipartFrame struct {
	part    *BodyPart
	mw      *multipart.Writer
	buf     *bytes.Buffer
	pending []*BodyPart
	idx     int
}

// buildBodyTree renders root (and, if root is multipart/*, everything
// beneath it) into body bytes plus the Content-Type (and any
// Content-Transfer-Encoding) header the caller must attach above it.
func buildBodyTree(root *BodyPart, bodyValues map[string]BodyValue, blobs BlobResolver) ([]byte, map[string]string, error) {
	if !isMultipartType(root.Type) {
		data, headers, err := buildLeafPart(root, bodyValues, blobs)
		if err != nil {
			return nil, nil, err
		}
		return data, headers, nil
	}

	var stack []*multipartFrame
	push := func(p *BodyPart) error {
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		stack = append(stack, &multipartFrame{part: p, mw: mw, buf: buf, pending: p.SubParts})
		return nil
	}
	if err := push(root); err != nil {
		return nil, nil, err
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.idx >= len(top.pending) {
			if err := top.mw.Close(); err != nil {
				return nil, nil, fmt.Errorf("mime: close multipart writer: %w", err)
			}
			ct := fmt.Sprintf("%s; boundary=%q", top.part.Type, top.mw.Boundary())
			data := top.buf.Bytes()
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return data, map[string]string{"Content-Type": ct}, nil
			}
			parent := stack[len(stack)-1]
			pw, err := parent.mw.CreatePart(partHeader(ct, top.part.Headers, ""))
			if err != nil {
				return nil, nil, err
			}
			if _, err := pw.Write(data); err != nil {
				return nil, nil, err
			}
			continue
		}

		child := top.pending[top.idx]
		top.idx++
		if isMultipartType(child.Type) {
			if err := push(child); err != nil {
				return nil, nil, err
			}
			continue
		}
		data, headers, err := buildLeafPart(child, bodyValues, blobs)
		if err != nil {
			return nil, nil, err
		}
		pw, err := top.mw.CreatePart(leafPartHeader(headers))
		if err != nil {
			return nil, nil, err
		}
		if _, err := pw.Write(data); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("mime: build message: empty multipart stack")
}

// buildLeafPart resolves one non-multipart BodyPart's raw bytes (inline
// bodyValues text as given, base64-decoded first when IsBase64, with its
// charset named in Content-Type; base64-encoded for blob-sourced binary)
// and the headers describing it.
func buildLeafPart(p *BodyPart, bodyValues map[string]BodyValue, blobs BlobResolver) ([]byte, map[string]string, error) {
	headers := map[string]string{}
	ct := p.Type
	if ct == "" {
		ct = "text/plain"
	}

	var data []byte
	switch {
	case p.PartID != "":
		bv, ok := bodyValues[p.PartID]
		if !ok {
			return nil, nil, fmt.Errorf("mime: body part %q references unknown bodyValues entry", p.PartID)
		}
		charset := bv.Charset
		if charset == "" {
			charset = "utf-8"
		}
		raw := []byte(bv.Value)
		if bv.IsBase64 {
			decoded, err := base64.StdEncoding.DecodeString(bv.Value)
			if err != nil {
				return nil, nil, fmt.Errorf("mime: decode base64 bodyValue: %w", err)
			}
			raw = decoded
		}
		ct = fmt.Sprintf("%s; charset=%q", ct, charset)
		headers["Content-Transfer-Encoding"] = "8bit"
		data = raw
	case p.BlobID != "":
		if blobs == nil {
			return nil, nil, fmt.Errorf("mime: body part %q references a blob but no blob resolver was given", p.PartID)
		}
		raw, err := blobs.Get(p.BlobID)
		if err != nil {
			return nil, nil, fmt.Errorf("mime: resolve blob %s: %w", p.BlobID, err)
		}
		headers["Content-Transfer-Encoding"] = "base64"
		data = []byte(wrapBase64(raw))
	default:
		return nil, nil, fmt.Errorf("mime: body part has neither partId nor blobId")
	}

	headers["Content-Type"] = ct
	if p.Disposition != "" {
		disp := p.Disposition
		if p.Name != "" {
			disp = fmt.Sprintf("%s; filename=%q", disp, p.Name)
		}
		headers["Content-Disposition"] = disp
	}
	for k, v := range p.Headers {
		headers[k] = v
	}
	return data, headers, nil
}

func wrapBase64(raw []byte) string {
	encoded := base64.StdEncoding.EncodeToString(raw)
	var buf strings.Builder
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		buf.WriteString(encoded[i:end])
		buf.WriteString("\r\n")
	}
	return buf.String()
}

func partHeader(contentType string, extra map[string]string, disposition string) textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", contentType)
	if disposition != "" {
		h.Set("Content-Disposition", disposition)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, extra[k])
	}
	return h
}

func leafPartHeader(headers map[string]string) textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, headers[k])
	}
	return h
}

// ParsedMessage is the result of parsing raw message bytes back into
// JMAP-shaped fields.
type ParsedMessage struct {
	From, To, Cc, Bcc, ReplyTo, Sender []Address
	Subject                            string
	SentAt                             time.Time
	Body                               *BodyPart
	BodyValues                         map[string]BodyValue
}

// ParseMessage decodes raw RFC 5322/2045 bytes. Like BuildMessage, nested
// multipart/* parts are walked with an explicit stack, not recursive
// calls.
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("mime: parse message: %w", err)
	}

	out := &ParsedMessage{BodyValues: map[string]BodyValue{}}
	out.From, _ = ParseAddressList(m.Header.Get("From"))
	out.To, _ = ParseAddressList(m.Header.Get("To"))
	out.Cc, _ = ParseAddressList(m.Header.Get("Cc"))
	out.Bcc, _ = ParseAddressList(m.Header.Get("Bcc"))
	out.ReplyTo, _ = ParseAddressList(m.Header.Get("Reply-To"))
	out.Sender, _ = ParseAddressList(m.Header.Get("Sender"))
	out.Subject = DecodeHeaderText(m.Header.Get("Subject"))
	if d := m.Header.Get("Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			out.SentAt = t
		}
	}

	contentType := m.Header.Get("Content-Type")
	mediaType, params, err := gomime.ParseMediaType(contentType)
	if err != nil {
		mediaType, params = "text/plain", map[string]string{"charset": "utf-8"}
	}

	bodyBytes, err := readAll(m.Body)
	if err != nil {
		return nil, err
	}

	partCounter := 0
	nextPartID := func() string {
		partCounter++
		return fmt.Sprintf("part%d", partCounter)
	}

	body, err := parseBodyTree(mediaType, params, bodyBytes, nil, out.BodyValues, nextPartID)
	if err != nil {
		return nil, err
	}
	out.Body = body
	return out, nil
}

type parseFrame struct {
	part   *BodyPart
	reader *multipart.Reader
}

// parseBodyTree mirrors buildBodyTree's explicit-stack shape: the root
// multipart reader is pushed, and each nested multipart/* part pushes
// its own reader rather than recursing.
func parseBodyTree(mediaType string, params map[string]string, body []byte, headers textproto.MIMEHeader, bodyValues map[string]BodyValue, nextPartID func() string) (*BodyPart, error) {
	if !strings.HasPrefix(mediaType, "multipart/") {
		return parseLeafPart(mediaType, params, body, headers, bodyValues, nextPartID)
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("mime: multipart part missing boundary")
	}
	root := &BodyPart{Type: mediaType}
	stack := []*parseFrame{{part: root, reader: multipart.NewReader(bytes.NewReader(body), boundary)}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		part, err := top.reader.NextPart()
		if err != nil {
			stack = stack[:len(stack)-1]
			continue
		}
		partBytes, err := readAll(part)
		if err != nil {
			return nil, err
		}
		childType, childParams, err := gomime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			childType, childParams = "text/plain", map[string]string{"charset": "utf-8"}
		}
		if strings.HasPrefix(childType, "multipart/") {
			childBoundary := childParams["boundary"]
			child := &BodyPart{Type: childType, Headers: headerMap(part.Header)}
			top.part.SubParts = append(top.part.SubParts, child)
			stack = append(stack, &parseFrame{part: child, reader: multipart.NewReader(bytes.NewReader(partBytes), childBoundary)})
			continue
		}
		leaf, err := parseLeafPart(childType, childParams, partBytes, part.Header, bodyValues, nextPartID)
		if err != nil {
			return nil, err
		}
		top.part.SubParts = append(top.part.SubParts, leaf)
	}
	return root, nil
}

func parseLeafPart(mediaType string, params map[string]string, body []byte, headers textproto.MIMEHeader, bodyValues map[string]BodyValue, nextPartID func() string) (*BodyPart, error) {
	charset := params["charset"]
	cte := strings.ToLower(headers.Get("Content-Transfer-Encoding"))

	raw := body
	if cte == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(stripWhitespace(string(body)))
		if err != nil {
			return nil, fmt.Errorf("mime: decode base64 part: %w", err)
		}
		raw = decoded
	}

	decoded, err := DecodeCharset(raw, charset)
	if err != nil {
		decoded = raw
	}

	partID := nextPartID()
	bodyValues[partID] = BodyValue{Value: string(decoded), Charset: "utf-8"}

	return &BodyPart{
		Type:        mediaType,
		PartID:      partID,
		Charset:     charset,
		Disposition: headers.Get("Content-Disposition"),
		Headers:     headerMap(headers),
	}, nil
}

func headerMap(h textproto.MIMEHeader) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
