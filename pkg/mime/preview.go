package mime

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// skipPreviewElements lists elements whose text never contributes to a
// preview.
var skipPreviewElements = map[string]bool{"script": true, "style": true, "noscript": true, "head": true}

// blockPreviewElements lists elements that force a word break in the
// flattened preview text.
var blockPreviewElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "table": true,
}

// StripHTML flattens an HTML body part into plain text suitable for a
// search index or a truncated preview, discarding markup and script/style
// content. The tokenizer is pull-based so arbitrarily deep (but not
// recursive — HTML has no analogue to MIME's subPart nesting) documents
// stream without building a DOM.
func StripHTML(data []byte) string {
	tok := html.NewTokenizer(bytes.NewReader(data))
	var out strings.Builder
	skipDepth := 0
	lastWasSpace := true

	writeSpace := func() {
		if !lastWasSpace {
			out.WriteByte(' ')
			lastWasSpace = true
		}
	}
	writeText := func(text []byte) {
		for _, b := range text {
			if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
				writeSpace()
				continue
			}
			out.WriteByte(b)
			lastWasSpace = false
		}
	}

	for {
		switch tok.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(out.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tok.TagName()
			tag := string(name)
			if skipPreviewElements[tag] {
				skipDepth++
			}
			if blockPreviewElements[tag] {
				writeSpace()
			}
		case html.EndTagToken:
			name, _ := tok.TagName()
			tag := string(name)
			if skipPreviewElements[tag] && skipDepth > 0 {
				skipDepth--
			}
			if blockPreviewElements[tag] {
				writeSpace()
			}
		case html.TextToken:
			if skipDepth == 0 {
				writeText(tok.Text())
			}
		}
	}
}

// Truncate clamps s to at most n runes, a cheap preview-length bound.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
