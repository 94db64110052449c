package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/acmegate/acmegate/internal/config"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "auth"))
}

const apiKeyHeader = "X-API-Key"

// APIKeyAuthMiddleware authenticates management API requests against the
// configured API keys and requires the given role.
func APIKeyAuthMiddleware(keys map[string]config.APIKey, requiredRole string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			presented := c.Request().Header.Get(apiKeyHeader)
			if presented == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing API key")
			}

			var matched *config.APIKey
			for key, def := range keys {
				if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
					def := def
					matched = &def
				}
			}
			if matched == nil {
				logger.Warn("Rejected request with unknown API key",
					zap.String("path", c.Request().URL.Path))
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid API key")
			}

			for _, role := range matched.Roles {
				if role == requiredRole {
					c.Set("auth_roles", matched.Roles)
					return next(c)
				}
			}
			logger.Warn("Rejected request lacking required role",
				zap.String("path", c.Request().URL.Path),
				zap.String("required_role", requiredRole))
			return echo.NewHTTPError(http.StatusForbidden, "API key lacks required role")
		}
	}
}
