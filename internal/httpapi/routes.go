package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

func (a *API) registerRoutes(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"ok":        true,
			"commit":    a.cfg.BuildCommit,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	api := e.Group("/api")

	api.GET("/auth/status", a.handler.AuthStatus)
	api.GET("/auth/challenge", a.handler.PowChallenge)
	api.POST("/auth/setup", a.handler.SetupPassword)
	api.POST("/auth/login", a.handler.Login)
	api.POST("/auth/logout", a.handler.Logout)
	api.POST("/auth/change-password", a.handler.ChangePassword)

	// OTA install endpoints: fetched by the device installer, which cannot
	// present a session cookie. The unguessable task UUID is the capability.
	api.GET("/install/:id/manifest.plist", a.handler.InstallManifest)
	api.GET("/install/:id/payload.ipa", a.handler.InstallPayload)

	priv := api.Group("")
	priv.Use(a.gate.Middleware)
	priv.POST("/downloads", a.handler.CreateDownload)
	priv.GET("/downloads", a.handler.ListDownloads)
	priv.GET("/downloads/:id", a.handler.GetDownload)
	priv.POST("/downloads/:id/pause", a.handler.PauseDownload)
	priv.POST("/downloads/:id/resume", a.handler.ResumeDownload)
	priv.DELETE("/downloads/:id", a.handler.DeleteDownload)
	priv.GET("/packages", a.handler.ListPackages)
	priv.GET("/packages/:id/file", a.handler.PackageFile)
	priv.GET("/settings", a.handler.GetSettings)
	priv.PUT("/settings", a.handler.UpdateSettings)
	priv.GET("/tunnel", a.handler.Tunnel)
}
