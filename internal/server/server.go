// Package server provides the HTTP server for this repository's
// single-user sync and repo XRPC surface, built on Echo v4.
package server

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/primal-host/solo-pds/internal/auth"
	"github.com/primal-host/solo-pds/internal/config"
	"github.com/primal-host/solo-pds/internal/events"
	"github.com/primal-host/solo-pds/internal/identity"
	"github.com/primal-host/solo-pds/internal/repo"
)

// Server wraps the Echo instance and application dependencies. There
// is exactly one repository and one identity, so there is no
// ManagementDB/PoolManager/domain registry to carry.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	id       identity.Identity
	repos    *repo.Manager
	events   *events.Manager
	jwt      *auth.JWTManager
	adminKey string // bcrypt hash
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, id identity.Identity, repos *repo.Manager, evts *events.Manager, jwtMgr *auth.JWTManager, adminKeyHash string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		id:       id,
		repos:    repos,
		events:   evts,
		jwt:      jwtMgr,
		adminKey: adminKeyHash,
	}

	s.registerRoutes()
	return s
}

// authContext holds the authenticated caller's identity. Since this
// server hosts exactly one repository, any successful authentication
// authorizes every write — there is no per-account scoping to check.
type authContext struct {
	DID     string
	IsAdmin bool
}

const authContextKey = "auth"

func getAuth(c echo.Context) *authContext {
	if ac, ok := c.Get(authContextKey).(*authContext); ok {
		return ac
	}
	return nil
}

// requireAuth validates a Bearer token as either the admin key or a
// JWT access token. Sets authContext on the request.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}

		if auth.CheckAdminKey(s.adminKey, token) {
			c.Set(authContextKey, &authContext{DID: s.id.DID, IsAdmin: true})
			return next(c)
		}

		if err := s.jwt.ValidateAccessToken(token); err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidToken",
				"message": "Invalid or expired access token",
			})
		}

		c.Set(authContextKey, &authContext{DID: s.id.DID})
		return next(c)
	}
}

// requireRefresh validates a Bearer token as a JWT refresh token.
func (s *Server) requireRefresh(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}

		if err := s.jwt.ValidateRefreshToken(token); err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidToken",
				"message": "Invalid or expired refresh token",
			})
		}

		c.Set(authContextKey, &authContext{DID: s.id.DID})
		return next(c)
	}
}

func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("Shutting down HTTP server...")
		return s.echo.Shutdown(context.Background())
	}
}
