package handler

import (
	"net/http"

	"github.com/darsavelidze/safe-school/internal/ingest"
	"github.com/darsavelidze/safe-school/internal/middleware"
	"github.com/darsavelidze/safe-school/internal/telemetry"
	"github.com/darsavelidze/safe-school/pkg/logger"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// SensorHandler serves sensor ingestion and history reads
type SensorHandler struct {
	ingestor *ingest.SensorIngestor
	store    *telemetry.Store
}

func NewSensorHandler(ingestor *ingest.SensorIngestor, store *telemetry.Store) *SensorHandler {
	return &SensorHandler{ingestor: ingestor, store: store}
}

// PostReading accepts {sensor_id, value, timestamp?}. Older devices send
// temperature instead of value.
func (h *SensorHandler) PostReading(c echo.Context) error {
	log := logger.FromContext(c)
	schoolID := middleware.TenantID(c)

	var req struct {
		SensorID    string   `json:"sensor_id"`
		Value       *float64 `json:"value"`
		Temperature *float64 `json:"temperature"`
		Timestamp   *int64   `json:"timestamp"`
	}
	if err := c.Bind(&req); err != nil {
		log.Warn("Failed to parse sensor reading", zap.Error(err))
		return badRequest(c, "invalid request")
	}

	value := req.Value
	if value == nil {
		value = req.Temperature
	}
	if req.SensorID == "" || value == nil {
		return badRequest(c, "sensor_id and value required")
	}

	if _, err := h.ingestor.Ingest(schoolID, req.SensorID, *value, req.Timestamp, ingest.SourceHTTP); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// GetReadings returns one series with ?sensor_id=, or every series
func (h *SensorHandler) GetReadings(c echo.Context) error {
	schoolID := middleware.TenantID(c)

	if sensorID := c.QueryParam("sensor_id"); sensorID != "" {
		return c.JSON(http.StatusOK, echo.Map{"data": h.store.Read(schoolID, sensorID)})
	}
	return c.JSON(http.StatusOK, echo.Map{"data": h.store.ReadAll(schoolID)})
}
