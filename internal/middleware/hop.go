package middleware

import (
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are connection-scoped headers that must not travel beyond
// the inbound hop.
var hopByHopHeaders = []string{
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
}

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from inbound requests. Connection and Upgrade are additionally removed for
// plain requests but kept for WebSocket upgrades, where they carry the
// handshake.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			for _, h := range hopByHopHeaders {
				req.Header.Del(h)
			}
			if !websocket.IsWebSocketUpgrade(req) {
				req.Header.Del("Connection")
				req.Header.Del("Upgrade")
			}
			return next(c)
		}
	}
}
