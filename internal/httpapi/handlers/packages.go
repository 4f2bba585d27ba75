package handlers

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"airlift/internal/service"
)

// ListPackages lists completed tasks only, the ones with a stored IPA.
func (h *Handler) ListPackages(c echo.Context) error {
	hashes, err := requireAccounts(c)
	if err != nil {
		return err
	}
	views, err := h.mgr.ListPackages(c.Request().Context(), hashes)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, views)
}

// PackageFile serves the finished IPA: a redirect when a CDN fronts the
// bucket, a direct stream otherwise.
func (h *Handler) PackageFile(c echo.Context) error {
	account, err := requireAccount(c)
	if err != nil {
		return err
	}
	id, err := pathTaskID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	view, err := h.mgr.GetTask(ctx, account, id)
	if err != nil {
		return mapServiceError(err)
	}
	key, err := h.mgr.ArtifactKey(ctx, account, id)
	if err != nil {
		return mapServiceError(err)
	}

	if h.cfg.CDNDomain != "" {
		return c.Redirect(http.StatusFound, fmt.Sprintf("https://%s/%s", h.cfg.CDNDomain, key))
	}

	body, info, err := h.blobs.Open(ctx, key)
	if err != nil {
		return mapServiceError(err)
	}
	defer body.Close()

	software, err := service.ParseSoftware(view.Software)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "decode software descriptor")
	}
	name := software.Name
	if name == "" {
		name = software.BundleID
	}
	filename := sanitizeFilename(fmt.Sprintf("%s_%s.ipa", name, software.Version))
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Response().Header().Set(echo.HeaderContentLength, fmt.Sprintf("%d", info.Size))
	return c.Stream(http.StatusOK, "application/octet-stream", body)
}
