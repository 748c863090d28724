package middleware

import (
	"net/http"
	"strings"

	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/pkg/logger"
	"github.com/darsavelidze/safe-school/prometheus"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// TenantKey is the echo context key holding the authenticated school id
const TenantKey = "school_id"

// TokenValidator resolves a bearer token to a school id
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Auth guards a route group with a bearer token. The resolved school id is
// the only tenant identity handlers may use. With allowQueryToken the token
// may also come from ?token=, for clients that cannot set headers
// (browser websockets).
func Auth(validator TokenValidator, allowQueryToken bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			log := logger.FromContext(c)

			token, reason := bearerToken(c.Request().Header.Get("Authorization"))
			if token == "" && allowQueryToken {
				if q := c.QueryParam("token"); q != "" {
					token, reason = q, ""
				}
			}
			if token == "" {
				log.Warn("Rejected request without usable token", zap.String("reason", reason))
				prometheus.RecordAuthError(reason)
				return unauthorized(c, "missing authorization token")
			}

			schoolID, err := validator.ValidateToken(token)
			if err != nil {
				log.Warn("Invalid bearer token", zap.Error(err))
				prometheus.RecordAuthError("invalid_token")
				return unauthorized(c, apperror.Message(err))
			}

			c.Set(TenantKey, schoolID)
			return next(c)
		}
	}
}

// TenantID returns the school id stored by Auth
func TenantID(c echo.Context) string {
	id, _ := c.Get(TenantKey).(string)
	return id
}

func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "missing_token"
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", "invalid_auth_format"
	}
	return parts[1], ""
}

func unauthorized(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{
		"error": msg,
		"code":  apperror.Unauthorized.String(),
	})
}
