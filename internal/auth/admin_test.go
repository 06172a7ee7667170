package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashAndCheckAdminKey(t *testing.T) {
	t.Parallel()

	hash, err := HashAdminKey("super-secret-key")
	require.NoError(t, err)
	require.NotEqual(t, "super-secret-key", hash)
	require.True(t, CheckAdminKey(hash, "super-secret-key"))
}

func TestCheckAdminKeyRejectsWrongKey(t *testing.T) {
	t.Parallel()

	hash, err := HashAdminKey("super-secret-key")
	require.NoError(t, err)
	require.False(t, CheckAdminKey(hash, "wrong-key"))
}
