package mst

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/primal-host/solo-pds/internal/pdserr"
)

func TestValidateKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "valid", key: "app.example.post/abc123"},
		{name: "empty", key: "", wantErr: true},
		{name: "too long", key: "a/" + strings.Repeat("b", MaxKeyLen), wantErr: true},
		{name: "control char", key: "app.example.post/abc\x01def", wantErr: true},
		{name: "no slash", key: "app.example.post", wantErr: true},
		{name: "two slashes", key: "app.example.post/abc/def", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateKey([]byte(tt.key))
			if tt.wantErr {
				require.Error(t, err)
				require.Equal(t, "InvalidKey", pdserr.CodeOf(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLayerIsDeterministic(t *testing.T) {
	t.Parallel()

	key := []byte("app.example.post/abc123")
	l1 := Layer(key)
	l2 := Layer(key)
	require.Equal(t, l1, l2)
	require.GreaterOrEqual(t, l1, 0)
}

func TestLayerMatchesLeadingZeroBitsFormula(t *testing.T) {
	t.Parallel()

	key := []byte("some/key")
	sum := sha256.Sum256(key)
	want := leadingZeroBits(sum[:]) / 2
	require.Equal(t, want, Layer(key))
}

func TestLeadingZeroBitsAllZero(t *testing.T) {
	t.Parallel()
	require.Equal(t, 16, leadingZeroBits([]byte{0x00, 0x00}))
}

func TestLeadingZeroBitsFirstBitSet(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0, leadingZeroBits([]byte{0x80}))
}

func TestLeadingZeroBitsMixed(t *testing.T) {
	t.Parallel()
	// 0x01 == 0b00000001: 7 leading zero bits within this byte.
	require.Equal(t, 7, leadingZeroBits([]byte{0x01}))
}

func TestCompareKeysOrdering(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, compareKeys([]byte("a/b"), []byte("a/b")))
	require.Less(t, compareKeys([]byte("a/b"), []byte("a/c")), 0)
	require.Greater(t, compareKeys([]byte("a/c"), []byte("a/b")), 0)
}
