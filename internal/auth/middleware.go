package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HashSource yields the current stored password hash, if any. Session
// validity is tied to it: a password change cuts every session loose.
type HashSource func(ctx context.Context) (string, bool, error)

type Gatekeeper struct {
	hashes HashSource
	now    func() time.Time
}

func NewGatekeeper(hashes HashSource) *Gatekeeper {
	return &Gatekeeper{hashes: hashes, now: time.Now}
}

// Middleware rejects requests without a valid session cookie.
func (g *Gatekeeper) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		hash, ok, err := g.hashes(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "auth lookup failed")
		}
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "access password not configured")
		}
		cookie, err := c.Cookie(CookieName)
		if err != nil || cookie.Value == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing session")
		}
		if !VerifySessionToken(hash, cookie.Value, g.now()) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired session")
		}
		return next(c)
	}
}
