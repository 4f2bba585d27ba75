package handlers

import (
	"log/slog"

	"airlift/internal/auth"
	"airlift/internal/blob"
	"airlift/internal/config"
	"airlift/internal/service"
)

type Handler struct {
	cfg   config.Config
	mgr   *service.Manager
	pow   *auth.PowGate
	blobs blob.Store
	log   *slog.Logger
}

func New(cfg config.Config, mgr *service.Manager, pow *auth.PowGate, blobs blob.Store, log *slog.Logger) *Handler {
	return &Handler{
		cfg:   cfg,
		mgr:   mgr,
		pow:   pow,
		blobs: blobs,
		log:   log,
	}
}
