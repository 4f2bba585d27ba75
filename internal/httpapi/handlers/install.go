package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"text/template"

	"github.com/labstack/echo/v4"

	"airlift/internal/service"
)

// manifestTemplate is the OTA install manifest the device installer
// consumes via an itms-services:// link.
var manifestTemplate = template.Must(template.New("manifest").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>items</key>
	<array>
		<dict>
			<key>assets</key>
			<array>
				<dict>
					<key>kind</key>
					<string>software-package</string>
					<key>url</key>
					<string>{{.URL}}</string>
				</dict>
			</array>
			<key>metadata</key>
			<dict>
				<key>bundle-identifier</key>
				<string>{{.BundleID}}</string>
				<key>bundle-version</key>
				<string>{{.Version}}</string>
				<key>kind</key>
				<string>software</string>
				<key>title</key>
				<string>{{.Title}}</string>
			</dict>
		</dict>
	</array>
</dict>
</plist>
`))

// InstallManifest renders the OTA manifest pointing at the payload URL.
// No session: the device installer cannot carry cookies, the task UUID is
// the capability.
func (h *Handler) InstallManifest(c echo.Context) error {
	id, err := pathTaskID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	task, err := h.mgr.GetTaskPublic(ctx, id)
	if err != nil {
		return mapServiceError(err)
	}
	if !task.HasFile {
		return echo.NewHTTPError(http.StatusNotFound, "package not ready")
	}
	software, err := service.ParseSoftware(task.Software)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "decode software descriptor")
	}

	title := software.Name
	if title == "" {
		title = software.BundleID
	}
	data := struct {
		URL      string
		BundleID string
		Version  string
		Title    string
	}{
		URL:      fmt.Sprintf("https://%s/api/install/%s/payload.ipa", c.Request().Host, id),
		BundleID: software.BundleID,
		Version:  software.Version,
		Title:    title,
	}

	var buf bytes.Buffer
	if err := manifestTemplate.Execute(&buf, data); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "render manifest")
	}
	return c.Blob(http.StatusOK, "application/xml; charset=utf-8", buf.Bytes())
}

// InstallPayload streams the IPA to the device installer.
func (h *Handler) InstallPayload(c echo.Context) error {
	id, err := pathTaskID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	key, err := h.mgr.ArtifactKeyPublic(ctx, id)
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

	c.Response().Header().Set(echo.HeaderContentLength, fmt.Sprintf("%d", info.Size))
	return c.Stream(http.StatusOK, "application/octet-stream", body)
}
