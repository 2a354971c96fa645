package scraper

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// rawToken renders an opaque JSON scalar the way the site's own JS would
// interpolate it: strings lose their quotes, numbers keep their formatting.
func rawToken(raw json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(raw)), `"`)
}

// unescapeFragment reverses the JS-string escaping several booking backends
// apply to HTML fragments embedded in JSON responses. The replacement set is
// exactly what the sites emit; anything else is left untouched.
func unescapeFragment(s string) string {
	replacer := strings.NewReplacer(
		"\\u003c", "<",
		"\\u0027", `"`,
		"\\u003e", ">",
		"nbsp;", " ",
		"\\u0026", "&",
		`\"`, `"`,
	)
	return replacer.Replace(s)
}

func parseDoc(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// restoreCase recovers the original casing of an attribute name (lower-cased
// by the HTML tokenizer) by locating it case-insensitively in the raw markup.
// Only occurrences positioned like an attribute name count: preceded by
// whitespace and followed by whitespace, '=', '/' or '>'. A repeat of the
// token in another case inside an attribute value or text node cannot win.
func restoreCase(raw, needle string) string {
	lower := strings.ToLower(raw)
	target := strings.ToLower(needle)
	for from := 0; from < len(lower); {
		idx := strings.Index(lower[from:], target)
		if idx < 0 {
			break
		}
		idx += from
		from = idx + 1
		if idx == 0 || !strings.ContainsRune(" \t\r\n", rune(raw[idx-1])) {
			continue
		}
		end := idx + len(needle)
		if end < len(raw) && !strings.ContainsRune(" \t\r\n=/>", rune(raw[end])) {
			continue
		}
		return raw[idx:end]
	}
	return needle
}

// resolveURL joins a possibly relative href against a base URL.
func resolveURL(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	h, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(h).String()
}
