package handler

import (
	"net/http"
	"strconv"

	"github.com/darsavelidze/safe-school/internal/middleware"
	"github.com/darsavelidze/safe-school/internal/model"
	"github.com/darsavelidze/safe-school/internal/spatial"
	"github.com/labstack/echo/v4"
)

// SpatialHandler serves floor plans and device positions
type SpatialHandler struct {
	store *spatial.Store
}

func NewSpatialHandler(store *spatial.Store) *SpatialHandler {
	return &SpatialHandler{store: store}
}

func (h *SpatialHandler) GetFloorPlans(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"floors": h.store.FloorPlans(middleware.TenantID(c))})
}

func (h *SpatialHandler) SaveFloorPlans(c echo.Context) error {
	var req struct {
		Floors [][]model.Point `json:"floors"`
	}
	if err := c.Bind(&req); err != nil || req.Floors == nil {
		return badRequest(c, "floors required")
	}

	persisted, err := h.store.SaveFloorPlans(c.Request().Context(), middleware.TenantID(c), req.Floors)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "persisted": persisted})
}

// GetPositions returns one floor with ?floor=, or every floor of ?kind=
func (h *SpatialHandler) GetPositions(c echo.Context) error {
	schoolID := middleware.TenantID(c)
	kind := model.DeviceKind(c.QueryParam("kind"))

	if c.QueryParam("floor") == "" {
		all, err := h.store.AllPositions(schoolID, kind)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, echo.Map{"kind": kind, "floors": all})
	}

	floor, err := strconv.Atoi(c.QueryParam("floor"))
	if err != nil {
		return badRequest(c, "floor must be an integer")
	}
	positions, err := h.store.Positions(schoolID, floor, kind)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"floor": floor, "kind": kind, "positions": positions})
}

func (h *SpatialHandler) SavePositions(c echo.Context) error {
	var req struct {
		Floor     *int                      `json:"floor"`
		Kind      string                    `json:"kind"`
		Positions map[string]model.Position `json:"positions"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request")
	}
	if req.Floor == nil {
		return badRequest(c, "floor required")
	}
	if req.Positions == nil {
		req.Positions = map[string]model.Position{}
	}

	persisted, err := h.store.SavePositions(c.Request().Context(), middleware.TenantID(c), *req.Floor, model.DeviceKind(req.Kind), req.Positions)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "persisted": persisted})
}
