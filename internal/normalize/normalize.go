// Package normalize converts datastore-native values into portable scalars
// and strips unsafe operator keys from untrusted filter predicates.
package normalize

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// isoMillis renders timestamps as UTC ISO-8601 with millisecond precision.
const isoMillis = "2006-01-02T15:04:05.000Z"

// Value recursively converts datastore-native values: identifiers become
// their canonical 24-hex string, timestamps become ISO-8601 UTC strings,
// sequences and documents are normalized element-wise. Ordered documents
// (bson.D) keep their key order. Normalize is idempotent.
func Value(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return t.Time().UTC().Format(isoMillis)
	case time.Time:
		return t.UTC().Format(isoMillis)
	case primitive.Decimal128:
		return t.String()
	case bson.D:
		out := make(bson.D, len(t))
		for i, e := range t {
			out[i] = bson.E{Key: e.Key, Value: Value(e.Value)}
		}
		return out
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Value(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Value(e)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Value(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Value(e)
		}
		return out
	default:
		return v
	}
}

// Doc normalizes a document value-wise, preserving key order.
func Doc(d bson.D) bson.D {
	out := make(bson.D, len(d))
	for i, e := range d {
		out[i] = bson.E{Key: e.Key, Value: Value(e.Value)}
	}
	return out
}

// SanitizeFilters copies a string-keyed mapping, dropping every key that
// starts with '$' or contains '.'. Nested mappings are sanitized recursively;
// scalars and sequences pass through unchanged. Non-mapping input yields an
// empty mapping. The datastore treats $-keys as operators and dotted keys as
// path traversals, so neither may originate from untrusted input.
func SanitizeFilters(v any) map[string]any {
	m, ok := asMapping(v)
	if !ok {
		return map[string]any{}
	}
	return sanitizeMapping(m)
}

func sanitizeMapping(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if strings.HasPrefix(k, "$") || strings.Contains(k, ".") {
			continue
		}
		if child, ok := asMapping(v); ok {
			out[k] = sanitizeMapping(child)
			continue
		}
		out[k] = v
	}
	return out
}

func asMapping(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case bson.M:
		return t, true
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = e.Value
		}
		return m, true
	default:
		return nil, false
	}
}
