package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"airlift/internal/service"
)

type settingsResponse struct {
	service.CleanupPolicy
	Storage service.StorageTotals `json:"storage"`
	Build   buildInfo             `json:"build"`
}

type buildInfo struct {
	Commit string `json:"commit"`
	Date   string `json:"date,omitempty"`
}

// GetSettings reports the cleanup policy plus storage totals and build
// metadata. It never echoes request headers.
func (h *Handler) GetSettings(c echo.Context) error {
	return h.settingsResponse(c)
}

func (h *Handler) UpdateSettings(c echo.Context) error {
	var body service.CleanupPolicy
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.mgr.SetCleanupPolicy(c.Request().Context(), body); err != nil {
		return mapServiceError(err)
	}
	return h.settingsResponse(c)
}

func (h *Handler) settingsResponse(c echo.Context) error {
	ctx := c.Request().Context()
	policy, err := h.mgr.GetCleanupPolicy(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	totals, err := h.mgr.GetStorageTotals(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, settingsResponse{
		CleanupPolicy: policy,
		Storage:       totals,
		Build:         buildInfo{Commit: h.cfg.BuildCommit, Date: h.cfg.BuildDate},
	})
}
