package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestCreateAndValidateTokenPair(t *testing.T) {
	t.Parallel()

	mgr := NewJWTManager("test-secret", "https://pds.example.com", "did:key:zTestRepo")
	pair, err := mgr.CreateTokenPair()
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessJwt)
	require.NotEmpty(t, pair.RefreshJwt)

	require.NoError(t, mgr.ValidateAccessToken(pair.AccessJwt))
	require.NoError(t, mgr.ValidateRefreshToken(pair.RefreshJwt))
}

func TestValidateAccessTokenRejectsRefreshToken(t *testing.T) {
	t.Parallel()

	mgr := NewJWTManager("test-secret", "https://pds.example.com", "did:key:zTestRepo")
	pair, err := mgr.CreateTokenPair()
	require.NoError(t, err)

	require.Error(t, mgr.ValidateAccessToken(pair.RefreshJwt))
}

func TestValidateRefreshTokenRejectsAccessToken(t *testing.T) {
	t.Parallel()

	mgr := NewJWTManager("test-secret", "https://pds.example.com", "did:key:zTestRepo")
	pair, err := mgr.CreateTokenPair()
	require.NoError(t, err)

	require.Error(t, mgr.ValidateRefreshToken(pair.AccessJwt))
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	mgr := NewJWTManager("test-secret", "https://pds.example.com", "did:key:zTestRepo")
	pair, err := mgr.CreateTokenPair()
	require.NoError(t, err)

	other := NewJWTManager("other-secret", "https://pds.example.com", "did:key:zTestRepo")
	require.Error(t, other.ValidateAccessToken(pair.AccessJwt))
}

func TestValidateTokenRejectsWrongSubject(t *testing.T) {
	t.Parallel()

	mgr := NewJWTManager("test-secret", "https://pds.example.com", "did:key:zTestRepo")
	pair, err := mgr.CreateTokenPair()
	require.NoError(t, err)

	other := NewJWTManager("test-secret", "https://pds.example.com", "did:key:zSomeoneElse")
	require.Error(t, other.ValidateAccessToken(pair.AccessJwt))
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	t.Parallel()

	mgr := NewJWTManager("test-secret", "https://pds.example.com", "did:key:zTestRepo")
	now := time.Now()
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "did:key:zTestRepo",
			Issuer:    mgr.issuer,
			IssuedAt:  jwt.NewNumericDate(now.Add(-3 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
		Scope: ScopeAccess,
	})
	tokenStr, err := expired.SignedString(mgr.secret)
	require.NoError(t, err)

	require.Error(t, mgr.ValidateAccessToken(tokenStr))
}

func TestValidateTokenRejectsMissingSubject(t *testing.T) {
	t.Parallel()

	mgr := NewJWTManager("test-secret", "https://pds.example.com", "did:key:zTestRepo")
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTTL)),
		},
		Scope: ScopeAccess,
	})
	tokenStr, err := tok.SignedString(mgr.secret)
	require.NoError(t, err)

	require.Error(t, mgr.ValidateAccessToken(tokenStr))
}

func TestGenerateSecretProducesDistinct32ByteHex(t *testing.T) {
	t.Parallel()

	s1 := GenerateSecret()
	s2 := GenerateSecret()
	require.Len(t, s1, 64)
	require.NotEqual(t, s1, s2)
}
