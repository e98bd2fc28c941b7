// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of evidence metadata.
//
// Canonicalization is split in two steps so each can be tested on its own:
//
//  1. Normalize turns any JSON-serializable value into a generic tree whose
//     objects carry their members sorted by key (UTF-16 code unit order, the
//     order used by RFC 8785 and by JavaScript's default sort).
//  2. JCS serializes that tree and passes it through an RFC 8785 transformer
//     so numbers and strings are rendered exactly like ECMAScript's
//     JSON.stringify.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/gowebpki/jcs"
)

// Member is a single key/value pair of a normalized JSON object.
type Member struct {
	Key   string
	Value any
}

// Object is a normalized JSON object. Members are sorted by key.
type Object []Member

// MarshalJSON emits the members in their stored order.
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalNoEscape(m.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalNoEscape(m.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value stored under key.
func (o Object) Get(key string) (any, bool) {
	for _, m := range o {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Normalize returns the canonical tree for v: objects become Object values
// with recursively sorted members, arrays keep their order, numbers are kept
// as json.Number so no precision is lost before serialization.
//
// Normalize is pure. Deep-equal inputs that differ only in key order yield
// identical trees.
func Normalize(v any) (any, error) {
	// Marshal to intermediate JSON first so struct tags and custom marshalers
	// are honoured, then decode into the generic model.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	var generic any
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}

	return sortRecursive(generic), nil
}

func sortRecursive(v any) any {
	switch t := v.(type) {
	case map[string]any:
		obj := make(Object, 0, len(t))
		for k, val := range t {
			obj = append(obj, Member{Key: k, Value: sortRecursive(val)})
		}
		sort.Slice(obj, func(i, j int) bool {
			return lessUTF16(obj[i].Key, obj[j].Key)
		})
		return obj
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = sortRecursive(elem)
		}
		return out
	default:
		return v
	}
}

// lessUTF16 orders strings by their UTF-16 code units as RFC 8785 §3.2.3 requires.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
// 1. Object keys are sorted by UTF-16 code units, recursively.
// 2. HTML escaping is DISABLED (unlike standard json.Marshal).
// 3. Numbers use the ECMAScript shortest round-trip form (1.0 becomes 1).
func JCS(v any) ([]byte, error) {
	tree, err := Normalize(v)
	if err != nil {
		return nil, err
	}

	sorted, err := marshalNoEscape(tree)
	if err != nil {
		return nil, fmt.Errorf("jcs: marshal failed: %w", err)
	}

	out, err := jcs.Transform(sorted)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the JCS canonical form as a string
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // CRITICAL: RFC 8785 requires no HTML escaping
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder adds a newline, we must trim it
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
