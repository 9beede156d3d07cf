package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// Raw is one upstream record as decoded JSON
type Raw map[string]any

var ErrNoEmbeddedPayload = errors.New("page has no embedded JSON payload")

// wrapper keys descended into when a payload nests the record, checked in order
var wrapperKeys = []string{"props", "page_props", "data", "project", "item", "record", "result", "attributes"}

// identity signals shared by every strategy
var (
	idKeys   = []string{"id", "project_id", "external_id", "contract_id"}
	nameKeys = []string{"name", "project_name", "title", "project_title"}
)

// Extract unwraps nested wrappers and snake_cases top-level keys.
// Nested values are kept verbatim.
func Extract(raw Raw) Raw {
	cur := normalizeKeys(raw)
	fetchID := cur[fetchIDKey]
	for depth := 0; depth < 8; depth++ {
		if hasAny(cur, idKeys) || hasAny(cur, nameKeys) {
			break
		}
		next, ok := unwrapOnce(cur)
		if !ok {
			break
		}
		cur = next
	}

	// JSON:API style records keep their fields under "attributes"
	if attrs, ok := cur["attributes"].(map[string]any); ok {
		merged := Raw{}
		for k, v := range normalizeKeys(attrs) {
			merged[k] = v
		}
		for k, v := range cur {
			if k != "attributes" {
				merged[k] = v
			}
		}
		cur = merged
	}
	if fetchID != nil {
		if _, ok := cur[fetchIDKey]; !ok {
			cur[fetchIDKey] = fetchID
		}
	}
	return cur
}

func unwrapOnce(r Raw) (Raw, bool) {
	for _, key := range wrapperKeys {
		switch v := r[key].(type) {
		case map[string]any:
			return normalizeKeys(v), true
		case []any:
			if len(v) == 1 {
				if m, ok := v[0].(map[string]any); ok {
					return normalizeKeys(m), true
				}
			}
		}
	}
	return nil, false
}

func normalizeKeys(m map[string]any) Raw {
	out := make(Raw, len(m))
	for k, v := range m {
		nk := snakeCase(k)
		// the first spelling wins when two keys collapse to the same name
		if _, exists := out[nk]; exists && nk != k {
			continue
		}
		out[nk] = v
	}
	return out
}

// snakeCase maps PascalCase, camelCase, kebab-case and spaced keys to snake_case
func snakeCase(s string) string {
	runes := []rune(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(runes) + 4)

	lastUnderscore := true
	for i, r := range runes {
		switch {
		case r == ' ' || r == '-' || r == '.' || r == '_':
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		case unicode.IsUpper(r):
			if i > 0 && !lastUnderscore {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteRune('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		default:
			b.WriteRune(r)
			lastUnderscore = false
		}
	}
	return strings.TrimRight(b.String(), "_")
}

func hasAny(r Raw, keys []string) bool {
	return lookup(r, keys...) != nil
}

// lookup returns the first present, non-empty value among keys
func lookup(r Raw, keys ...string) any {
	for _, k := range keys {
		v, ok := r[k]
		if !ok || v == nil {
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			continue
		}
		return v
	}
	return nil
}

// DecodeRecords accepts a top-level array, an object nesting the array under
// data or items, or a single record object.
func DecodeRecords(body []byte) ([]Raw, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return recordsFrom(payload, 0)
}

func recordsFrom(payload any, depth int) ([]Raw, error) {
	switch v := payload.(type) {
	case []any:
		out := make([]Raw, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, Raw(m))
			}
		}
		return out, nil
	case map[string]any:
		if depth < 3 {
			norm := normalizeKeys(v)
			for _, key := range []string{"data", "items"} {
				switch inner := norm[key].(type) {
				case []any:
					return recordsFrom(inner, depth+1)
				case map[string]any:
					innerNorm := normalizeKeys(inner)
					if _, ok := innerNorm["data"].([]any); ok {
						return recordsFrom(inner, depth+1)
					}
					if _, ok := innerNorm["items"].([]any); ok {
						return recordsFrom(inner, depth+1)
					}
				}
			}
		}
		return []Raw{Raw(v)}, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected payload type %T", payload)
}

// ExtractEmbeddedJSON returns the JSON text embedded in a server-rendered page,
// looking for script#scriptID first and any application/json script second.
func ExtractEmbeddedJSON(page []byte, scriptID string) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	var sel *goquery.Selection
	if scriptID != "" {
		sel = doc.Find("script#" + scriptID)
	}
	if sel == nil || sel.Length() == 0 {
		sel = doc.Find(`script[type="application/json"]`)
	}

	text := strings.TrimSpace(sel.First().Text())
	if text == "" {
		return nil, ErrNoEmbeddedPayload
	}
	return []byte(text), nil
}
