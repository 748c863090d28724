package logger

import (
	"strings"
	"time"

	"github.com/darsavelidze/safe-school/pkg/config"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// RequestIDKey is both the header and the echo context key of the request id
	RequestIDKey = "X-Request-ID"
	// ContextKey is where Middleware stores the request-scoped logger
	ContextKey = "logger"
)

var log *zap.Logger

// InitLogger builds the process logger. Production emits JSON with ISO8601
// timestamps; every other environment gets the colored console encoder.
func InitLogger(cfg *config.Config) {
	var zcfg zap.Config
	if cfg.Server.Env == "production" {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	built, err := zcfg.Build(zap.Fields(
		zap.String("service", cfg.ServiceName),
		zap.String("environment", cfg.Server.Env),
	))
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	log = built
	zap.ReplaceGlobals(log)
}

// GetLogger returns the process logger, falling back to a production logger
// when InitLogger was never called
func GetLogger() *zap.Logger {
	if log == nil {
		fallback, err := zap.NewProduction()
		if err != nil {
			panic("Failed to create fallback logger: " + err.Error())
		}
		log = fallback
	}
	return log
}

// quietPaths are polled by health checks and scrapers and only logged at debug
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Middleware stores a request-scoped logger in the echo context and writes
// one line per finished request. The level follows the status class.
func Middleware(base *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			reqLog := base.With(zap.String("request_id", requestID(c)))
			c.Set(ContextKey, reqLog)

			err := next(c)
			if err != nil {
				// let echo write the response so the logged status is final
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("route", c.Path()),
				zap.Int("status", status),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", c.RealIP()),
			}
			if schoolID, ok := c.Get("school_id").(string); ok {
				fields = append(fields, zap.String("school_id", schoolID))
			}

			switch {
			case err != nil:
				reqLog.Error("HTTP request failed", append(fields, zap.Error(err))...)
			case status >= 500:
				reqLog.Error("HTTP request failed", fields...)
			case status >= 400:
				reqLog.Warn("HTTP request rejected", fields...)
			case strings.EqualFold(req.Header.Get(echo.HeaderUpgrade), "websocket"):
				reqLog.Info("Websocket session ended", fields...)
			case quietPaths[c.Path()]:
				reqLog.Debug("HTTP request completed", fields...)
			default:
				reqLog.Info("HTTP request completed", fields...)
			}
			return nil
		}
	}
}

func requestID(c echo.Context) string {
	if id, ok := c.Get(RequestIDKey).(string); ok && id != "" {
		return id
	}
	if id := c.Request().Header.Get(RequestIDKey); id != "" {
		return id
	}
	return c.Response().Header().Get(RequestIDKey)
}
