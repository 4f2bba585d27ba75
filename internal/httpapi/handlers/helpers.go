package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"airlift/internal/service"
)

func mapServiceError(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// requireAccount reads the caller's account hash query parameter. The
// server never sees the Apple ID itself, only this opaque hash.
func requireAccount(c echo.Context) (string, error) {
	account := strings.TrimSpace(c.QueryParam("accountHash"))
	if account == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "missing accountHash query parameter")
	}
	return account, nil
}

// requireAccounts parses the comma-separated accountHashes parameter used
// by the list endpoints.
func requireAccounts(c echo.Context) ([]string, error) {
	raw := c.QueryParam("accountHashes")
	var hashes []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			hashes = append(hashes, p)
		}
	}
	if len(hashes) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "missing accountHashes query parameter")
	}
	return hashes, nil
}

func pathTaskID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid task id")
	}
	return id, nil
}

// sanitizeFilename strips anything that could break a Content-Disposition
// header or escape into a path.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == '"' || r < 0x20 || r == 0x7F:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "app.ipa"
	}
	return out
}
