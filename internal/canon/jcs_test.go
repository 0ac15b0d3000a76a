package canon

import (
	"encoding/json"
	"testing"

	webpkijcs "github.com/gowebpki/jcs"
	"github.com/stretchr/testify/require"
)

func TestJCS_KeyOrdering(t *testing.T) {
	in := map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": 1, "y": 2}}
	out, err := String(in)
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2,"c":{"y":2,"z":1}}`, out)
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	out, err := String(map[string]any{"html": "<script>&</script>"})
	require.NoError(t, err)
	require.Contains(t, out, "<script>&</script>")
}

func TestJCS_Deterministic(t *testing.T) {
	in := map[string]any{"x": []any{3, 1, 2}, "nested": map[string]any{"deep": map[string]any{"key": "val"}}}
	a, err := JCS(in)
	require.NoError(t, err)
	b, err := JCS(in)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

// TestJCS_CrossCheckOracle verifies our recursive canonicalizer agrees with
// the independent gowebpki/jcs RFC 8785 implementation for JSON inputs that
// library accepts (it operates on raw bytes rather than Go values, so it's
// used here purely as an oracle, not as the production implementation).
func TestJCS_CrossCheckOracle(t *testing.T) {
	cases := []string{
		`{"a":1,"b":2}`,
		`{"z":{"y":"foo","x":"bar"},"a":1}`,
		`{"num":123.456,"bool":true,"null":null}`,
		`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`,
		`{}`,
		`{"unicode":"こんにちは"}`,
	}

	for _, raw := range cases {
		raw := raw
		t.Run(raw, func(t *testing.T) {
			var v any
			require.NoError(t, json.Unmarshal([]byte(raw), &v))

			ours, err := JCS(v)
			require.NoError(t, err)

			theirs, err := webpkijcs.Transform([]byte(raw))
			require.NoError(t, err)

			require.JSONEq(t, string(theirs), string(ours))
		})
	}
}

func TestHash_StableAcrossFieldOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestHash_MutationChangesHash(t *testing.T) {
	h1, err := Hash(map[string]any{"location": "New York"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"location": "New York "})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

// TestJCS_RoundTripIdentity is invariant #4 from spec.md §8:
// canonical(x) = canonical(y) iff x and y are equal as JSON values.
func TestJCS_RoundTripIdentity(t *testing.T) {
	a := map[string]any{"k": []any{1, 2, 3}, "s": "x"}
	b := map[string]any{"s": "x", "k": []any{1, 2, 3}}
	ca, err := String(a)
	require.NoError(t, err)
	cb, err := String(b)
	require.NoError(t, err)
	require.Equal(t, ca, cb)
}

func FuzzJCS(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"html":"<script>alert('xss')</script> &"}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
		}

		b1, err := JCS(v)
		if err != nil {
			return
		}
		b2, err := JCS(v)
		if err != nil {
			t.Fatal("JCS returned error on second call but not first")
		}
		if string(b1) != string(b2) {
			t.Fatalf("JCS not deterministic: %q vs %q", b1, b2)
		}
	})
}
