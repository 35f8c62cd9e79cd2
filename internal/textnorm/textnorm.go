// Package textnorm prepares entity field values for indexing: markup is reduced to
// plain text and strings are NFC-normalised.
package textnorm

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// skipElements are elements whose text content is discarded.
var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
}

// blockElements get whitespace separation.
var blockElements = map[string]bool{
	"p": true, "div": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "li": true, "blockquote": true,
	"pre": true, "table": true, "tr": true, "td": true, "th": true,
	"section": true, "article": true, "header": true, "footer": true,
}

// String normalises a single value: markup is stripped when present, whitespace
// collapsed and the result NFC-normalised.
func String(s string) string {
	if looksLikeMarkup(s) {
		s = StripHTML(s)
	}
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

// Token normalises a value for exact-match fields: NFC then lowercase.
func Token(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}

// Fields returns a copy of fields with every string value normalised. Nested maps
// and string slices are walked; other values are copied as is.
func Fields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = value(v)
	}
	return out
}

func value(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case []string:
		vals := make([]string, len(t))
		for i, s := range t {
			vals[i] = String(s)
		}
		return vals
	case []any:
		vals := make([]any, len(t))
		for i, s := range t {
			vals[i] = value(s)
		}
		return vals
	case map[string]any:
		return Fields(t)
	default:
		return v
	}
}

func looksLikeMarkup(s string) bool {
	i := strings.IndexByte(s, '<')
	return i >= 0 && strings.IndexByte(s[i:], '>') > 0
}

// StripHTML converts an HTML fragment to plain text.
func StripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var buf bytes.Buffer
	skipDepth := 0
	lastSpace := true

	writeSpace := func() {
		if !lastSpace {
			buf.WriteByte(' ')
			lastSpace = true
		}
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(buf.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			name := string(tn)
			if skipElements[name] {
				skipDepth++
				continue
			}
			if name == "br" || blockElements[name] {
				writeSpace()
			}
			if name == "img" && hasAttr {
				for {
					key, val, more := z.TagAttr()
					if string(key) == "alt" && len(val) > 0 {
						writeSpace()
						buf.Write(val)
						lastSpace = false
					}
					if !more {
						break
					}
				}
			}
		case html.EndTagToken:
			tn, _ := z.TagName()
			name := string(tn)
			if skipElements[name] && skipDepth > 0 {
				skipDepth--
			}
			if blockElements[name] {
				writeSpace()
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			for _, word := range strings.Fields(string(z.Text())) {
				if buf.Len() > 0 && !lastSpace {
					buf.WriteByte(' ')
				}
				buf.WriteString(word)
				lastSpace = false
			}
		}
	}
}
