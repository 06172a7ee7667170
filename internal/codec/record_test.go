package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeJSONLink(t *testing.T) {
	t.Parallel()

	c, err := CIDForBytes([]byte("target block"))
	require.NoError(t, err)

	in := map[string]any{"$link": c.String()}
	norm, err := NormalizeJSON(in)
	require.NoError(t, err)
	require.Equal(t, c, norm)
}

func TestNormalizeJSONBytes(t *testing.T) {
	t.Parallel()

	in := map[string]any{"$bytes": "aGVsbG8="} // base64("hello")
	norm, err := NormalizeJSON(in)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), norm)
}

func TestNormalizeJSONNested(t *testing.T) {
	t.Parallel()

	c, err := CIDForBytes([]byte("nested target"))
	require.NoError(t, err)

	in := map[string]any{
		"text": "hello",
		"ref":  map[string]any{"$link": c.String()},
		"list": []any{int64(1), map[string]any{"$link": c.String()}},
	}
	norm, err := NormalizeJSON(in)
	require.NoError(t, err)

	m := norm.(map[string]any)
	require.Equal(t, "hello", m["text"])
	require.Equal(t, c, m["ref"])
	list := m["list"].([]any)
	require.Equal(t, c, list[1])
}

func TestDenormalizeIsInverseOfNormalize(t *testing.T) {
	t.Parallel()

	c, err := CIDForBytes([]byte("round trip"))
	require.NoError(t, err)

	original := map[string]any{
		"$link": c.String(),
	}
	norm, err := NormalizeJSON(original)
	require.NoError(t, err)

	back := Denormalize(norm)
	require.Equal(t, original, back)
}

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := CIDForBytes([]byte("referenced record"))
	require.NoError(t, err)

	rec := map[string]any{
		"$type": "app.example.post",
		"text":  "hello world",
		"reply": map[string]any{"$link": c.String()},
		"tags":  []any{"a", "b"},
	}

	raw, err := EncodeRecord(rec)
	require.NoError(t, err)

	decoded, err := DecodeRecord(raw)
	require.NoError(t, err)
	require.Equal(t, rec, decoded)
}

func TestEncodeRecordIsDeterministic(t *testing.T) {
	t.Parallel()

	rec := map[string]any{"b": int64(1), "a": int64(2)}
	raw1, err := EncodeRecord(rec)
	require.NoError(t, err)
	raw2, err := EncodeRecord(rec)
	require.NoError(t, err)
	require.Equal(t, raw1, raw2)
}

func TestDecodeRecordRejectsNonMap(t *testing.T) {
	t.Parallel()

	raw, err := Encode(int64(5))
	require.NoError(t, err)

	_, err = DecodeRecord(raw)
	require.Error(t, err)
}
