package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"webrelay-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cred    config.Credential
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cred config.Credential, v Version) *HealthHandler {
	return &HealthHandler{cred: cred, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns relay status information. The upstream proxy endpoint is
// reported without its credentials.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":         "ok",
		"version":        string(h.version),
		"upstream_proxy": h.cred.Redacted(),
	})
}
