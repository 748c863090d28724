package logger

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// FromContext returns the request-scoped logger set by Middleware. Outside
// of it, the process logger is tagged with whatever request id is known.
func FromContext(c echo.Context) *zap.Logger {
	if l, ok := c.Get(ContextKey).(*zap.Logger); ok {
		return l
	}
	if id := requestID(c); id != "" {
		return GetLogger().With(zap.String("request_id", id))
	}
	return GetLogger()
}
