package middleware

import (
	"github.com/darsavelidze/safe-school/pkg/logger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const maxRequestIDLength = 64

// RequestIDMiddleware propagates X-Request-ID. Missing or unusable ids are
// replaced with a fresh UUID so clients cannot inject arbitrary log text.
func RequestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(logger.RequestIDKey)
		if !usableRequestID(id) {
			id = uuid.NewString()
		}
		c.Set(logger.RequestIDKey, id)
		c.Response().Header().Set(logger.RequestIDKey, id)
		return next(c)
	}
}

func usableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
