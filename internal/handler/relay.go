package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"webrelay-go/internal/model"
	"webrelay-go/internal/rewrite"
	"webrelay-go/internal/service"
)

// credentialPattern matches userinfo inside URLs embedded in error messages.
var credentialPattern = regexp.MustCompile(`(?i)(https?|wss?)://[^/@\s]+:[^/@\s]+@`)

// RelayHandler serves the HTTP side of the relay route.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle relays the inbound request, whatever its method, to the target
// named by the url query parameter. A missing url is rejected before any
// dispatch is attempted.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	raw := c.QueryParam("url")
	if raw == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "missing url query parameter",
		})
	}

	// Everything except the relay's own parameter travels on to the target.
	query := req.URL.Query()
	query.Del("url")

	pr := &model.RelayRequest{
		Method:    req.Method,
		RawTarget: raw,
		Query:     query,
		Header:    req.Header,
		Body:      req.Body,
	}

	result, err := h.service.Relay(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range result.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	if result.RedirectTo != "" {
		h.logger.Debug("redirect rewritten", "target", raw, "location", result.RedirectTo)
		return c.Redirect(http.StatusFound, result.RedirectTo)
	}

	c.Response().WriteHeader(result.StatusCode)
	if _, err := c.Response().Write(result.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"target", raw,
		)
	}
	return nil
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", sanitizeError(err),
		"method", c.Request().Method,
		"target", c.QueryParam("url"),
	)

	if errors.Is(err, rewrite.ErrInvalidURL) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid url query parameter",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "target request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "target host unreachable",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "target request failed",
	})
}

// sanitizeError redacts proxy credentials from error messages that may
// contain upstream URLs.
func sanitizeError(err error) string {
	return credentialPattern.ReplaceAllString(err.Error(), "${1}://[REDACTED]@")
}
