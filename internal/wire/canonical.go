package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical renders v as canonical JSON: object keys sorted
// lexicographically, UTF-8, no insignificant whitespace, numbers in
// Go's shortest round-trip form (which encoding/json already produces for
// float64). encoding/json.Marshal already sorts map[string]T keys and
// preserves struct field declaration order; CanonicalizeBytes additionally
// re-sorts any nested object that decodes as map[string]interface{}, which
// covers JSON received from outside this process (manifest/schema blobs)
// where key order on the wire is not under our control.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return CanonicalizeBytes(raw)
}

// CanonicalizeBytes re-serializes an arbitrary JSON document into canonical
// form by decoding into a generic tree, sorting every object's keys with
// normalize, and re-encoding with no extraneous whitespace.
func CanonicalizeBytes(raw []byte) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}
	normalized := normalize(v)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize walks a decoded JSON tree, converting map[string]interface{}
// into an orderedMap whose keys are sorted, so Marshal later emits sorted
// keys even for deeply nested objects.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, orderedEntry{key: k, val: normalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return t
	}
}

// orderedEntry is one key/value pair in an orderedMap.
type orderedEntry struct {
	key string
	val any
}

// orderedMap marshals as a JSON object preserving insertion order (which
// normalize() has already sorted), since encoding/json gives no direct way
// to control map key order for arbitrary interface{} maps.
type orderedMap []orderedEntry

// MarshalJSON implements json.Marshaler.
func (m orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(e.val)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
