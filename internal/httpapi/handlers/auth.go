package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"airlift/internal/auth"
	"airlift/internal/service"
)

type powSolution struct {
	Challenge string `json:"challenge"`
	Nonce     string `json:"nonce"`
}

// AuthStatus reports whether a password is configured and whether the
// caller holds a valid session.
func (h *Handler) AuthStatus(c echo.Context) error {
	hash, setup, err := h.mgr.GetPasswordHash(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	authenticated := false
	if setup {
		if cookie, err := c.Cookie(auth.CookieName); err == nil && cookie.Value != "" {
			authenticated = auth.VerifySessionToken(hash, cookie.Value, time.Now())
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"required":      true,
		"setup":         setup,
		"authenticated": authenticated,
	})
}

// PowChallenge hands out a fresh proof-of-work challenge for login and
// setup calls.
func (h *Handler) PowChallenge(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"challenge":  h.pow.Challenge(),
		"difficulty": h.pow.Difficulty(),
	})
}

// SetupPassword sets the access password on a fresh deployment. It is
// proof-of-work gated; a second call is rejected with 400.
func (h *Handler) SetupPassword(c echo.Context) error {
	var body struct {
		Password string `json:"password"`
		powSolution
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.pow.Verify(body.Challenge, body.Nonce); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(body.Password) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "password must be at least 8 characters")
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "hash password")
	}
	if err := h.mgr.SetPasswordHashIfNotExists(c.Request().Context(), hash); err != nil {
		if errors.Is(err, service.ErrConflict) {
			return echo.NewHTTPError(http.StatusBadRequest, "password already configured")
		}
		return mapServiceError(err)
	}

	return h.issueSession(c, hash)
}

// Login verifies the proof-of-work and the password, then sets the
// session cookie.
func (h *Handler) Login(c echo.Context) error {
	var body struct {
		Password string `json:"password"`
		powSolution
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.pow.Verify(body.Challenge, body.Nonce); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	hash, exists, err := h.mgr.GetPasswordHash(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	if !exists {
		return echo.NewHTTPError(http.StatusBadRequest, "password not configured, run setup first")
	}
	if !auth.VerifyPassword(hash, body.Password) {
		return echo.NewHTTPError(http.StatusUnauthorized, "wrong password")
	}

	return h.issueSession(c, hash)
}

func (h *Handler) Logout(c echo.Context) error {
	c.SetCookie(auth.ClearSessionCookie(c.Request().Host))
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// ChangePassword rotates the access password. Existing sessions become
// invalid because tokens are keyed from the stored hash; a fresh cookie
// is issued for the caller.
func (h *Handler) ChangePassword(c echo.Context) error {
	var body struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
		powSolution
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.pow.Verify(body.Challenge, body.Nonce); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(body.NewPassword) < 8 {
		return echo.NewHTTPError(http.StatusBadRequest, "password must be at least 8 characters")
	}

	ctx := c.Request().Context()
	current, exists, err := h.mgr.GetPasswordHash(ctx)
	if err != nil {
		return mapServiceError(err)
	}
	if !exists || !auth.VerifyPassword(current, body.CurrentPassword) {
		return echo.NewHTTPError(http.StatusUnauthorized, "wrong password")
	}

	hash, err := auth.HashPassword(body.NewPassword)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "hash password")
	}
	if err := h.mgr.SetPasswordHash(ctx, hash); err != nil {
		return mapServiceError(err)
	}
	return h.issueSession(c, hash)
}

func (h *Handler) issueSession(c echo.Context, hash string) error {
	now := time.Now()
	token := auth.NewSessionToken(hash, now)
	c.SetCookie(auth.SessionCookie(token, c.Request().Host))
	return c.JSON(http.StatusOK, map[string]any{
		"ok":        true,
		"expiresAt": now.Add(auth.SessionTTL).UTC().Format(time.RFC3339),
	})
}
