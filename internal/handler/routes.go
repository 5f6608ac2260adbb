package handler

import (
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"webrelay-go/internal/config"
	"webrelay-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The relay
// route accepts every HTTP method; upgrade requests branch to the WebSocket
// relay, everything else to the HTTP relay.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, relay *RelayHandler, socket *SocketHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any("/proxy", func(c echo.Context) error {
		if websocket.IsWebSocketUpgrade(c.Request()) {
			return socket.Handle(c)
		}
		return relay.Handle(c)
	})

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}

	if cfg.Static.Dir != "" {
		e.Static("/", cfg.Static.Dir)
	}
}
