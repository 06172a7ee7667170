package codec

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestEncodeMapKeyOrdering(t *testing.T) {
	t.Parallel()

	// Keys sorted by length, then lexicographically — "b" before "aa"
	// before "ab", regardless of insertion order.
	m := map[string]any{
		"ab": int64(3),
		"aa": int64(2),
		"b":  int64(1),
	}
	raw, err := Encode(m)
	require.NoError(t, err)

	want, err := Encode([]any{}) // sanity: array encodes fine too
	require.NoError(t, err)
	require.NotNil(t, want)

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, m, decoded)

	// the raw bytes must place "b" first, then "aa", then "ab".
	bIdx := indexOfSubstring(raw, []byte{0x61, 'b'})
	aaIdx := indexOfSubstring(raw, []byte{0x62, 'a', 'a'})
	abIdx := indexOfSubstring(raw, []byte{0x62, 'a', 'b'})
	require.True(t, bIdx < aaIdx)
	require.True(t, aaIdx < abIdx)
}

func indexOfSubstring(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := CIDForBytes([]byte("hello"))
	require.NoError(t, err)

	tests := []struct {
		name string
		in   any
	}{
		{"nil", nil},
		{"bool true", true},
		{"bool false", false},
		{"positive int", int64(42)},
		{"negative int", int64(-17)},
		{"zero", int64(0)},
		{"string", "hello world"},
		{"bytes", []byte{1, 2, 3, 4}},
		{"cid link", c},
		{"array", []any{int64(1), "two", nil}},
		{"nested map", map[string]any{"a": int64(1), "b": []any{int64(2), int64(3)}}},
		{"float", 3.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := Encode(tt.in)
			require.NoError(t, err)

			decoded, err := Decode(raw)
			require.NoError(t, err)
			require.Equal(t, tt.in, decoded)
		})
	}
}

func TestEncodeRejectsUnsupportedType(t *testing.T) {
	t.Parallel()
	_, err := Encode(struct{ X int }{X: 1})
	require.Error(t, err)
}

func TestEncodeRejectsUndefinedCID(t *testing.T) {
	t.Parallel()
	_, err := Encode(cid.Undef)
	require.Error(t, err)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	t.Parallel()
	raw, err := Encode(int64(1))
	require.NoError(t, err)

	_, err = Decode(append(raw, raw...))
	require.Error(t, err)
	require.Contains(t, err.Error(), "trailing bytes")
}

func TestDecodeRejectsIndefiniteLength(t *testing.T) {
	t.Parallel()
	// major type 4 (array), additional info 31 == indefinite length.
	_, err := Decode([]byte{0x9f})
	require.Error(t, err)
}

func TestFloatWithFractionEncodesAsFloat(t *testing.T) {
	t.Parallel()
	raw, err := Encode(1.5)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.InDelta(t, 1.5, decoded, 0.0001)
}

func TestWholeFloatEncodesAsMinimalInt(t *testing.T) {
	t.Parallel()
	raw, err := Encode(2.0)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	// whole-valued floats collapse to the canonical integer encoding,
	// so they decode back as int64, not float64.
	require.Equal(t, int64(2), decoded)
}
