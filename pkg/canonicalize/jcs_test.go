package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": []any{
			map[string]any{"k2": 2, "k1": 1},
		},
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"k1":1,"k2":2}],"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// RFC 8785 requires: {"html":"<script>alert('xss')</script> &"}
	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestJCS_NumberFormatting(t *testing.T) {
	input := map[string]any{
		"int":   json.Number("1.0"),
		"float": json.Number("123.456"),
		"exp":   1e21,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"exp":1e+21,"float":123.456,"int":1}`, string(b))
}

func TestJCS_RejectsUnmarshalable(t *testing.T) {
	_, err := JCS(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}

func TestNormalize_KeyOrderIndependent(t *testing.T) {
	m1 := map[string]any{"url": "https://x", "meta": map[string]any{"b": 1, "a": 2}}
	m2 := map[string]any{"meta": map[string]any{"a": 2, "b": 1}, "url": "https://x"}

	n1, err := Normalize(m1)
	require.NoError(t, err)
	n2, err := Normalize(m2)
	require.NoError(t, err)

	assert.Equal(t, n1, n2)

	obj, ok := n1.(Object)
	require.True(t, ok)
	require.Len(t, obj, 2)
	assert.Equal(t, "meta", obj[0].Key)
	assert.Equal(t, "url", obj[1].Key)

	meta, ok := obj.Get("meta")
	require.True(t, ok)
	inner := meta.(Object)
	assert.Equal(t, "a", inner[0].Key)
}

func TestNormalize_UTF16Order(t *testing.T) {
	// U+1F600 encodes as a surrogate pair (0xD83D...) which sorts before
	// U+FB01 (0xFB01) in UTF-16 even though its UTF-8 bytes sort after.
	input := map[string]int{"ﬁ": 1, "\U0001F600": 2}

	n, err := Normalize(input)
	require.NoError(t, err)
	obj := n.(Object)
	assert.Equal(t, "\U0001F600", obj[0].Key)
	assert.Equal(t, "ﬁ", obj[1].Key)

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"ﬁ\":1}", string(b))
}

func TestNormalize_ScalarsPassThrough(t *testing.T) {
	n, err := Normalize("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", n)

	n, err = Normalize(nil)
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestCanonicalHash_Stability(t *testing.T) {
	v1 := map[string]any{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	require.NoError(t, err)
	h2, err := CanonicalHash(v2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, HashBytes([]byte(`{"a":1,"b":2}`)), h1)
}

func TestJCSString(t *testing.T) {
	s, err := JCSString(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, s)
}
