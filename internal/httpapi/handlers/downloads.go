package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"airlift/internal/service"
	"airlift/internal/store"
)

// CreateDownload registers a new download task. The body carries the
// per-account secrets; the response is the sanitized view.
func (h *Handler) CreateDownload(c echo.Context) error {
	var body struct {
		Software    json.RawMessage `json:"software"`
		AccountHash string          `json:"accountHash"`
		DownloadURL string          `json:"downloadURL"`
		Sinfs       []store.Sinf    `json:"sinfs"`
		Metadata    []byte          `json:"iTunesMetadata"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	view, err := h.mgr.CreateTask(c.Request().Context(), service.CreateTaskInput{
		AccountHash: body.AccountHash,
		Software:    body.Software,
		URL:         body.DownloadURL,
		Sinfs:       body.Sinfs,
		Metadata:    body.Metadata,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (h *Handler) ListDownloads(c echo.Context) error {
	hashes, err := requireAccounts(c)
	if err != nil {
		return err
	}
	views, err := h.mgr.ListTasks(c.Request().Context(), hashes)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) GetDownload(c echo.Context) error {
	account, err := requireAccount(c)
	if err != nil {
		return err
	}
	id, err := pathTaskID(c)
	if err != nil {
		return err
	}
	view, err := h.mgr.GetTask(c.Request().Context(), account, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) PauseDownload(c echo.Context) error {
	account, err := requireAccount(c)
	if err != nil {
		return err
	}
	id, err := pathTaskID(c)
	if err != nil {
		return err
	}
	view, err := h.mgr.PauseTask(c.Request().Context(), account, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ResumeDownload(c echo.Context) error {
	account, err := requireAccount(c)
	if err != nil {
		return err
	}
	id, err := pathTaskID(c)
	if err != nil {
		return err
	}
	view, err := h.mgr.ResumeTask(c.Request().Context(), account, id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) DeleteDownload(c echo.Context) error {
	account, err := requireAccount(c)
	if err != nil {
		return err
	}
	id, err := pathTaskID(c)
	if err != nil {
		return err
	}
	if err := h.mgr.DeleteTask(c.Request().Context(), account, id); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}
