package handler

import (
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
)

// FrameBodyLimit caps frame uploads before they are buffered: the largest
// accepted frame in base64 plus the JSON envelope
const FrameBodyLimit = "12M"

// BodyLimit caps every other request body
const BodyLimit = "1M"

// Handlers groups every endpoint handler of the service
type Handlers struct {
	Auth    *AuthHandler
	Sensors *SensorHandler
	Spatial *SpatialHandler
	Cameras *CameraHandler
	Stream  *StreamHandler
}

// RegisterRoutes mounts the public and guarded routes. guard protects the
// REST endpoints; streamGuard protects the websocket, which may also accept
// the token as a query parameter.
func RegisterRoutes(e *echo.Echo, h Handlers, guard, streamGuard echo.MiddlewareFunc) {
	small := echomiddleware.BodyLimit(BodyLimit)
	frames := echomiddleware.BodyLimit(FrameBodyLimit)

	// Public routes
	e.GET("/health", HealthCheck)
	e.GET("/metrics", MetricsHandler)

	auth := e.Group("/auth")
	auth.POST("/register", h.Auth.Register, small)
	auth.POST("/login", h.Auth.Login, small)
	e.GET("/get-token/:school_id", h.Auth.GetToken)

	// Guarded routes, kept at the root paths device clients already use

	e.POST("/sensor-data", h.Sensors.PostReading, small, guard)
	e.GET("/sensor-data", h.Sensors.GetReadings, guard)

	e.GET("/floor-plans", h.Spatial.GetFloorPlans, guard)
	e.POST("/floor-plans", h.Spatial.SaveFloorPlans, small, guard)
	e.GET("/device-positions", h.Spatial.GetPositions, guard)
	e.POST("/device-positions", h.Spatial.SavePositions, small, guard)

	e.POST("/video-frame", h.Cameras.PostFrame, frames, guard)
	e.POST("/video-frame-annotated", h.Cameras.PostAnnotatedFrame, frames, guard)
	e.GET("/camera-states", h.Cameras.GetStates, guard)
	e.GET("/camera-stream/:camera_id", h.Cameras.GetStream, guard)
	e.GET("/detection/stats", h.Cameras.GetStats, guard)

	e.GET("/ws", h.Stream.Serve, streamGuard)
}
