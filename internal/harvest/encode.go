package harvest

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// DefaultMaxBytes is the query-string byte budget for payload params.
const DefaultMaxBytes = 30000

// arrayOverhead accounts for the "%5B" and "%5D" around an encoded array
// plus its "&name=" separator.
const arrayOverhead = 9

const upperhex = "0123456789ABCDEF"

// unescaped lists the characters encodeURIComponent leaves alone, plus
// the separators the collector accepts raw in query values.
func unescaped(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	case ',', ':', '/', '@', '$', ';':
		return true
	}
	return false
}

// EncodeComponent percent-encodes s for use as a query value.
func EncodeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unescaped(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

// EncodeParam returns "&name=value", or "" for an empty value.
func EncodeParam(name, value string) string {
	if value == "" {
		return ""
	}
	return "&" + name + "=" + EncodeComponent(value)
}

// FromArray joins pre-encoded parts, stopping before the part that would
// push the total over maxBytes.
func FromArray(parts []string, maxBytes int) string {
	total := 0
	for i, p := range parts {
		total += len(p)
		if total > maxBytes {
			return strings.Join(parts[:i], "")
		}
	}
	return strings.Join(parts, "")
}

// EncodeObject encodes payload params as "&key=value" pairs in key order.
// Scalars are encoded whole. Arrays are JSON-encoded element by element and
// truncated once the running byte total reaches maxBytes, so the output is
// always a valid, possibly shorter, array. maxBytes <= 0 disables the budget.
func EncodeObject(payload map[string]any, maxBytes int) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := 0
	var out strings.Builder
	for _, k := range keys {
		v := payload[k]
		if items, ok := asSlice(v); ok {
			if len(items) == 0 {
				continue
			}
			total += arrayOverhead
			encoded := make([]string, 0, len(items))
			for _, item := range items {
				next := EncodeComponent(stringify(item))
				total += len(next)
				if maxBytes > 0 && total >= maxBytes {
					break
				}
				encoded = append(encoded, next)
			}
			out.WriteString("&" + k + "=%5B" + strings.Join(encoded, ",") + "%5D")
			continue
		}

		s := scalarString(v)
		if s == "" {
			continue
		}
		next := "&" + k + "=" + EncodeComponent(s)
		total += len(next)
		out.WriteString(next)
	}
	return out.String()
}

func asSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil, string, []byte, json.RawMessage:
		return nil, false
	case []any:
		return t, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.RawMessage:
		return string(t)
	case fmt.Stringer:
		return t.String()
	case map[string]any:
		return stringify(t)
	default:
		return fmt.Sprint(t)
	}
}

// stringify JSON-encodes v; values that cannot be encoded become "null".
func stringify(v any) string {
	if s, ok := v.(json.RawMessage); ok {
		return string(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
