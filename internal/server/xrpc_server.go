package server

import (
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/primal-host/solo-pds/internal/auth"
	"github.com/primal-host/solo-pds/internal/identity"
)

// handleHealth is a liveness probe with no dependency checks.
// GET /xrpc/_health
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": "0.1.0"})
}

// handleAtprotoDID serves the well-known handle-to-DID lookup, returning
// this server's single DID as plain text.
// GET /.well-known/atproto-did
func (s *Server) handleAtprotoDID(c echo.Context) error {
	return c.String(http.StatusOK, s.id.DID)
}

// handleDescribeServer returns server metadata: its service DID (derived
// from ServiceURL, if configured) and the single handle it hosts.
// GET /xrpc/com.atproto.server.describeServer
func (s *Server) handleDescribeServer(c echo.Context) error {
	serviceDID := ""
	if s.cfg.ServiceURL != "" {
		host := strings.TrimPrefix(s.cfg.ServiceURL, "https://")
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimSuffix(host, "/")
		serviceDID = "did:web:" + host
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":                  serviceDID,
		"availableUserDomains": []string{},
		"inviteCodeRequired":   false,
	})
}

// handleCreateSession authenticates against the single admin key and
// returns a JWT token pair scoped to this server's one DID. There is no
// handle/password account table to check against, only a single shared
// secret.
// POST /xrpc/com.atproto.server.createSession
func (s *Server) handleCreateSession(c echo.Context) error {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "InvalidRequest", "Invalid JSON body")
	}
	if req.Password == "" {
		return badRequest(c, "InvalidRequest", "password is required")
	}

	if !auth.CheckAdminKey(s.adminKey, req.Password) {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthenticationRequired",
			"message": "Invalid identifier or password",
		})
	}

	tokens, err := s.jwt.CreateTokenPair()
	if err != nil {
		log.Printf("server: create session tokens: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to create session",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":        s.id.DID,
		"handle":     s.id.Handle,
		"accessJwt":  tokens.AccessJwt,
		"refreshJwt": tokens.RefreshJwt,
	})
}

// handleRefreshSession issues a new token pair from a valid refresh token.
// POST /xrpc/com.atproto.server.refreshSession
func (s *Server) handleRefreshSession(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Refresh token required",
		})
	}

	tokens, err := s.jwt.CreateTokenPair()
	if err != nil {
		log.Printf("server: refresh session tokens: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to refresh session",
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":        s.id.DID,
		"handle":     s.id.Handle,
		"accessJwt":  tokens.AccessJwt,
		"refreshJwt": tokens.RefreshJwt,
	})
}

// handleGetSession returns the current session's account info, including
// a DID document built from the repository signing key.
// GET /xrpc/com.atproto.server.getSession
func (s *Server) handleGetSession(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error":   "AuthRequired",
			"message": "Access token required",
		})
	}

	resp := map[string]any{
		"did":    s.id.DID,
		"handle": s.id.Handle,
	}

	endpoint := s.cfg.ServiceURL
	if endpoint == "" {
		endpoint = "http://" + s.cfg.ListenAddr
	}
	if doc, err := identity.BuildDocument(s.id, endpoint); err == nil {
		resp["didDoc"] = doc
	}

	return c.JSON(http.StatusOK, resp)
}

// handleDeleteSession is a no-op — sessions are stateless JWTs with no
// server-side record to revoke. Clients discard tokens locally.
// POST /xrpc/com.atproto.server.deleteSession
func (s *Server) handleDeleteSession(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
