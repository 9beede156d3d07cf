// Package normalize turns noisy upstream values into canonical record fields.
// Every parser returns nil or "" on unusable input instead of an error.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

var blockElements = "p,div,li,td,th,tr,h1,h2,h3,h4,h5,h6,section,article"

// CleanText strips markup, decodes entities and collapses whitespace
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		s = stripMarkup(s)
	}
	return strings.Join(strings.Fields(s), " ")
}

func stripMarkup(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script,style,noscript").Remove()
	doc.Find("br").ReplaceWithHtml(" ")
	doc.Find(blockElements).Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml(" ")
	})
	return doc.Text()
}

// String renders a scalar upstream value as cleaned text
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return CleanText(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		return ""
	default:
		return CleanText(fmt.Sprint(t))
	}
}

// ID renders an identifier value; numeric ids lose any trailing ".0"
func ID(v any) string {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
	}
	return strings.TrimSpace(String(v))
}

// SanitizeText removes control and non-printable characters and trims the result
func SanitizeText(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == utf8.RuneError:
			return -1
		case unicode.IsControl(r):
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(cleaned), " ")
}
