package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCIDForBytesIsDeterministic(t *testing.T) {
	t.Parallel()

	data := []byte(`{"hello":"world"}`)
	c1, err := CIDForBytes(data)
	require.NoError(t, err)
	c2, err := CIDForBytes(data)
	require.NoError(t, err)
	require.Equal(t, c1, c2)
	require.Equal(t, uint64(DagCBOR), c1.Type())
}

func TestCIDForBytesDiffersOnContent(t *testing.T) {
	t.Parallel()

	a, err := CIDForBytes([]byte("a"))
	require.NoError(t, err)
	b, err := CIDForBytes([]byte("b"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestVerifyCID(t *testing.T) {
	t.Parallel()

	data := []byte("block contents")
	c, err := CIDForBytes(data)
	require.NoError(t, err)

	require.NoError(t, VerifyCID(c, data))

	other, err := CIDForBytes([]byte("different contents"))
	require.NoError(t, err)
	err = VerifyCID(other, data)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cid mismatch")
}

func TestParseCIDRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := CIDForBytes([]byte("round trip me"))
	require.NoError(t, err)

	parsed, err := ParseCID(c.String())
	require.NoError(t, err)
	require.True(t, c.Equals(parsed))
}

func TestParseCIDRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := ParseCID("not a cid")
	require.Error(t, err)
}

func TestCIDAndBytes(t *testing.T) {
	t.Parallel()

	v := map[string]any{"a": int64(1)}
	c, raw, err := CIDAndBytes(v)
	require.NoError(t, err)
	require.NoError(t, VerifyCID(c, raw))

	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, v, decoded)
}
