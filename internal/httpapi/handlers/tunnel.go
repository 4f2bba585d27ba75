package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"airlift/internal/tunnel"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The session cookie already gates this endpoint; browser origins are
	// not a trust boundary for the tunnel itself.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Tunnel upgrades to WebSocket and relays multiplexed TCP streams to the
// allowlisted Apple hosts until the client disconnects.
func (h *Handler) Tunnel(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return nil
	}
	defer ws.Close()

	session := tunnel.NewSession(ws, nil, h.log)
	if err := session.Run(c.Request().Context()); err != nil {
		h.log.Info("tunnel session ended", "err", err)
	}
	return nil
}
