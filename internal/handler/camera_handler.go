package handler

import (
	"net/http"

	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/internal/detection"
	"github.com/darsavelidze/safe-school/internal/hub"
	"github.com/darsavelidze/safe-school/internal/middleware"
	"github.com/darsavelidze/safe-school/internal/telemetry"
	"github.com/darsavelidze/safe-school/pkg/logger"
	"github.com/darsavelidze/safe-school/prometheus"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// CameraHandler serves frame submission, camera state and the latest
// annotated frame of each camera
type CameraHandler struct {
	dispatcher *detection.Dispatcher
	cameras    *telemetry.CameraStore
	hub        *hub.Hub
}

func NewCameraHandler(dispatcher *detection.Dispatcher, cameras *telemetry.CameraStore, hub *hub.Hub) *CameraHandler {
	return &CameraHandler{dispatcher: dispatcher, cameras: cameras, hub: hub}
}

// PostFrame analyzes a frame and answers with the people count
func (h *CameraHandler) PostFrame(c echo.Context) error {
	return h.submit(c, false)
}

// PostAnnotatedFrame analyzes a frame and also returns the detected boxes.
// Live viewers receive the annotated image.
func (h *CameraHandler) PostAnnotatedFrame(c echo.Context) error {
	return h.submit(c, true)
}

func (h *CameraHandler) submit(c echo.Context, annotated bool) error {
	log := logger.FromContext(c)
	schoolID := middleware.TenantID(c)

	var req struct {
		CameraID string `json:"camera_id"`
		Frame    string `json:"frame"`
	}
	if err := c.Bind(&req); err != nil {
		prometheus.RecordDetectionJob("bad_input")
		return badRequest(c, "invalid request")
	}
	if err := telemetry.ValidateID("camera_id", req.CameraID); err != nil {
		prometheus.RecordDetectionJob("bad_input")
		return respondError(c, err)
	}

	frame, err := detection.DecodeFrame(req.Frame)
	if err != nil {
		prometheus.RecordDetectionJob("bad_input")
		log.Warn("Rejected undecodable frame",
			zap.String("camera_id", req.CameraID),
			zap.Error(err))
		return respondError(c, err)
	}

	res, err := h.dispatcher.Submit(c.Request().Context(), detection.Job{
		TenantID:  schoolID,
		CameraID:  req.CameraID,
		Frame:     frame,
		Annotated: annotated,
	})
	if err != nil {
		if apperror.IsKind(err, apperror.DetectionFailed) {
			return c.JSON(http.StatusBadGateway, echo.Map{
				"error":        apperror.Message(err),
				"code":         apperror.DetectionFailed.String(),
				"people_count": 0,
			})
		}
		return respondError(c, err)
	}

	body := echo.Map{"people_count": res.Count}
	if annotated {
		body["boxes"] = res.Boxes
	}
	if res.Coalesced {
		body["coalesced"] = true
	}
	return c.JSON(http.StatusOK, body)
}

// GetStates returns the latest people count of every camera
func (h *CameraHandler) GetStates(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"data": h.cameras.States(middleware.TenantID(c))})
}

// GetStream returns the latest annotated frame of a camera, as JSON or with
// ?format=jpeg as the image itself
func (h *CameraHandler) GetStream(c echo.Context) error {
	cameraID := c.Param("camera_id")
	frame, ok := h.cameras.Frame(middleware.TenantID(c), cameraID)
	if !ok {
		return respondError(c, apperror.New(apperror.NotFound, "no frame for camera"))
	}

	if c.QueryParam("format") == "jpeg" {
		return c.Blob(http.StatusOK, "image/jpeg", frame.Image)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"camera_id":    cameraID,
		"image":        frame.Image,
		"people_count": frame.Count,
		"boxes":        frame.Boxes,
		"timestamp":    frame.Timestamp,
	})
}

// GetStats reports dispatcher load and the caller's live subscribers
func (h *CameraHandler) GetStats(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"dispatcher":  h.dispatcher.Stats(),
		"subscribers": h.hub.SubscriberCount(middleware.TenantID(c)),
	})
}
