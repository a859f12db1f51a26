package api

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/valentinvl1/vexa/pkg/models"
	"github.com/valentinvl1/vexa/pkg/services"
)

// Auth header names.
const (
	APIKeyHeader      = "X-API-Key"
	AdminAPIKeyHeader = "X-Admin-API-Key"
)

// Context keys set by the auth middleware.
const (
	contextKeyUser  = "vexa.user"
	contextKeyToken = "vexa.token"
)

// apiKeyAuth resolves X-API-Key to a user and stores both on the request
// context.
func (s *Server) apiKeyAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get(APIKeyHeader)
		if key == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing API key")
		}
		user, err := s.users.GetByToken(c.Request().Context(), key)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return echo.NewHTTPError(http.StatusForbidden, "Invalid API token")
			}
			return err
		}
		c.Set(contextKeyUser, user)
		c.Set(contextKeyToken, key)
		return next(c)
	}
}

// adminAuth checks X-Admin-API-Key equality with the configured admin
// token.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.adminToken == "" {
			return echo.NewHTTPError(http.StatusInternalServerError,
				"Admin authentication is not configured on the server.")
		}
		key := c.Request().Header.Get(AdminAPIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.adminToken)) != 1 {
			return echo.NewHTTPError(http.StatusForbidden, "Invalid or missing admin token.")
		}
		return next(c)
	}
}

// currentUser returns the authenticated user placed by apiKeyAuth.
func currentUser(c echo.Context) *models.User {
	user, _ := c.Get(contextKeyUser).(*models.User)
	return user
}

// currentToken returns the raw API key placed by apiKeyAuth.
func currentToken(c echo.Context) string {
	token, _ := c.Get(contextKeyToken).(string)
	return token
}
