package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/solo-pds/internal/auth"
	"github.com/primal-host/solo-pds/internal/identity"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	adminKey := "super-secret-admin-key"
	hash, err := auth.HashAdminKey(adminKey)
	require.NoError(t, err)

	s := &Server{
		echo:     echo.New(),
		id:       identity.Identity{DID: "did:key:zTestRepo", Handle: "alice.example.com"},
		jwt:      auth.NewJWTManager("test-secret", "https://pds.example.com", "did:key:zTestRepo"),
		adminKey: hash,
	}
	return s, adminKey
}

func doRequest(s *Server, h echo.HandlerFunc, bearer string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)
	err := h(c)
	return rec, err
}

func TestRequireAuthAcceptsAdminKey(t *testing.T) {
	t.Parallel()
	s, adminKey := newTestServer(t)

	var captured *authContext
	handler := s.requireAuth(func(c echo.Context) error {
		captured = getAuth(c)
		return c.NoContent(http.StatusOK)
	})

	rec, err := doRequest(s, handler, adminKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, captured)
	require.True(t, captured.IsAdmin)
	require.Equal(t, s.id.DID, captured.DID)
}

func TestRequireAuthAcceptsValidAccessToken(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	pair, err := s.jwt.CreateTokenPair()
	require.NoError(t, err)

	var captured *authContext
	handler := s.requireAuth(func(c echo.Context) error {
		captured = getAuth(c)
		return c.NoContent(http.StatusOK)
	})

	rec, err := doRequest(s, handler, pair.AccessJwt)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, captured)
	require.False(t, captured.IsAdmin)
	require.Equal(t, s.id.DID, captured.DID)
}

func TestRequireAuthRejectsMissingToken(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	handler := s.requireAuth(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	rec, err := doRequest(s, handler, "")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsGarbageToken(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	handler := s.requireAuth(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	rec, err := doRequest(s, handler, "not-a-real-token")
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireRefreshAcceptsRefreshToken(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	pair, err := s.jwt.CreateTokenPair()
	require.NoError(t, err)

	var captured *authContext
	handler := s.requireRefresh(func(c echo.Context) error {
		captured = getAuth(c)
		return c.NoContent(http.StatusOK)
	})

	rec, err := doRequest(s, handler, pair.RefreshJwt)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, s.id.DID, captured.DID)
}

func TestRequireRefreshRejectsAccessToken(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	pair, err := s.jwt.CreateTokenPair()
	require.NoError(t, err)

	handler := s.requireRefresh(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	rec, err := doRequest(s, handler, pair.AccessJwt)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExtractBearerIgnoresMalformedHeader(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	c := echo.New().NewContext(req, httptest.NewRecorder())
	require.Empty(t, extractBearer(c))
}
