package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "relayed")
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	t.Run("relay request logs its target", func(t *testing.T) {
		buf.Reset()
		req := httptest.NewRequest(http.MethodGet, "/proxy?url=https://example.com/page", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		line := buf.String()
		if !strings.Contains(line, "method=GET") || !strings.Contains(line, "status=200") {
			t.Errorf("log line missing request fields: %q", line)
		}
		if !strings.Contains(line, "target=https://example.com/page") {
			t.Errorf("log line missing relay target: %q", line)
		}
	})

	t.Run("non-relay request logs no target", func(t *testing.T) {
		buf.Reset()
		req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if strings.Contains(buf.String(), "target=") {
			t.Errorf("log line carries a target for a non-relay route: %q", buf.String())
		}
	})
}
