package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"airlift/internal/auth"
	"airlift/internal/blob"
	"airlift/internal/config"
	"airlift/internal/httpapi/handlers"
	"airlift/internal/service"
)

type API struct {
	cfg     config.Config
	gate    *auth.Gatekeeper
	handler *handlers.Handler
	log     *slog.Logger
}

func New(cfg config.Config, mgr *service.Manager, pow *auth.PowGate, blobs blob.Store, log *slog.Logger) *API {
	return &API{
		cfg:     cfg,
		gate:    auth.NewGatekeeper(mgr.GetPasswordHash),
		handler: handlers.New(cfg, mgr, pow, blobs, log),
		log:     log,
	}
}

func (a *API) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				a.log.Warn("request", "method", v.Method, "uri", v.URI, "status", v.Status, "err", v.Error)
			} else {
				a.log.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status)
			}
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     a.cfg.CORSAllowedOrigins,
		AllowCredentials: true,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderAccept,
			echo.HeaderContentType,
		},
		MaxAge: 600,
	}))

	a.registerRoutes(e)
	return e
}
