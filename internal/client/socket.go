package client

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"webrelay-go/internal/config"
)

// handshakeHeaders are inbound upgrade headers owned by the outbound
// handshake itself; the dialer generates its own, and forwarding the
// client's copies breaks the dial.
var handshakeHeaders = map[string]bool{
	"Host":                     true,
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
}

// SocketDialer opens outbound WebSocket connections to target sites through
// the fixed upstream proxy.
type SocketDialer struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewSocketDialer creates a SocketDialer.
func NewSocketDialer(cred config.Credential, logger *slog.Logger) *SocketDialer {
	return &SocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyURL(cred.URL()),
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "socket_dialer"),
	}
}

// DialTarget opens a socket to the normalized target URL, mapping http(s)
// schemes to ws(s), and forwards the inbound upgrade headers that carry
// origin and subprotocol negotiation.
func (d *SocketDialer) DialTarget(target string, inbound http.Header) (*websocket.Conn, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", target, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	header := make(http.Header)
	for key, vals := range inbound {
		if handshakeHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		header[http.CanonicalHeaderKey(key)] = vals
	}

	d.logger.Debug("dialing target socket", "target", u.String())

	conn, resp, err := d.dialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial target socket: %w (handshake status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial target socket: %w", err)
	}
	return conn, nil
}
