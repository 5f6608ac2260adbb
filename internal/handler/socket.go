package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"webrelay-go/internal/client"
	"webrelay-go/internal/metrics"
	"webrelay-go/internal/rewrite"
)

// closeGracePeriod bounds close-frame writes during teardown.
const closeGracePeriod = 5 * time.Second

// SocketHandler serves the WebSocket side of the relay route.
type SocketHandler struct {
	dialer   *client.SocketDialer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewSocketHandler creates a SocketHandler.
// The metrics parameter is optional; pass nil to disable session recording.
func NewSocketHandler(d *client.SocketDialer, logger *slog.Logger, m *metrics.Metrics) *SocketHandler {
	return &SocketHandler{
		dialer:  d,
		logger:  logger.With("component", "socket_handler"),
		metrics: m,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// The relay authenticates nobody; any page origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades the inbound connection, opens a companion socket to the
// target through the upstream proxy, and relays frames between the two until
// either side closes. The pair shares one lifetime: a close or error on
// either socket tears down both, so no half-open connection survives.
func (h *SocketHandler) Handle(c echo.Context) error {
	req := c.Request()

	inbound, err := h.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// Upgrade already wrote the handshake error to the client.
		return nil
	}
	defer func() { _ = inbound.Close() }()

	session := uuid.NewString()
	logger := h.logger.With("session", session)

	raw := c.QueryParam("url")
	if raw == "" {
		logger.Warn("socket rejected: missing url query parameter")
		h.closeWith(inbound, websocket.ClosePolicyViolation, "missing url query parameter")
		return nil
	}

	target, err := rewrite.Normalize(raw, "")
	if err != nil {
		logger.Warn("socket rejected: invalid target", "target", raw)
		h.closeWith(inbound, websocket.CloseInternalServerErr, "invalid target url")
		return nil
	}

	outbound, err := h.dialer.DialTarget(target, req.Header)
	if err != nil {
		logger.Error("target socket connect failed", "target", target, "err", sanitizeError(err))
		h.closeWith(inbound, websocket.CloseInternalServerErr, "target connection failed")
		return nil
	}
	defer func() { _ = outbound.Close() }()

	logger.Info("socket session open", "target", target)
	if h.metrics != nil {
		h.metrics.SocketSessionsTotal.Inc()
		h.metrics.SocketSessionsActive.Inc()
		defer h.metrics.SocketSessionsActive.Dec()
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return h.relayFrames(outbound, inbound, "inbound") })
	g.Go(func() error { return h.relayFrames(inbound, outbound, "outbound") })

	// The first close or error on either side cancels ctx. Closing both
	// conns then unblocks the surviving reader, so the pumps always exit
	// together. Close is idempotent.
	go func() {
		<-ctx.Done()
		_ = inbound.Close()
		_ = outbound.Close()
	}()

	err = g.Wait()
	logger.Info("socket session closed", "target", target, "reason", closeReason(err))
	return nil
}

// relayFrames pumps frames from src to dst until src closes or errors. A
// close frame from src is propagated to dst with its original code, so the
// peer observes the close the other side actually sent.
func (h *SocketHandler) relayFrames(dst, src *websocket.Conn, direction string) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				deadline := time.Now().Add(closeGracePeriod)
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(ce.Code, ce.Text), deadline)
			}
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
		if h.metrics != nil {
			h.metrics.SocketFrames.WithLabelValues(direction).Inc()
		}
	}
}

// closeWith sends a close frame with the given code and reason, then closes
// the connection.
func (h *SocketHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeGracePeriod)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// closeReason renders a pump exit error for the session log.
func closeReason(err error) string {
	if err == nil {
		return "closed"
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Error()
	}
	return err.Error()
}
