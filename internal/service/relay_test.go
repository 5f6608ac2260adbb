package service

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"webrelay-go/internal/client"
	"webrelay-go/internal/config"
	"webrelay-go/internal/model"
	"webrelay-go/internal/rewrite"
)

// credentialFor builds an upstream credential pointing at a test server, so
// relayed requests land on it as if it were the real proxy.
func credentialFor(t *testing.T, srv *httptest.Server) config.Credential {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return config.Credential{Username: "alice", Password: "s3cret", Host: host, Port: port}
}

func newTestService(t *testing.T, cred config.Credential) *RelayService {
	t.Helper()
	cfg := &config.Config{}
	cfg.Proxy.TimeoutSeconds = 5
	cfg.Proxy.IdleConnections = 10
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cred, cfg, logger, nil)
	return NewRelayService(uc, rewrite.NewRewriter(logger, nil), logger)
}

func TestRelay_HTMLRewritten(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head></head><body><a href="/about">About</a></body></html>`))
	}))
	defer proxy.Close()

	s := newTestService(t, credentialFor(t, proxy))
	result, err := s.Relay(&model.RelayRequest{Method: http.MethodGet, RawTarget: "http://target.example.com/page"})
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}

	if result.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", result.StatusCode, http.StatusOK)
	}
	body := string(result.Body)
	if !strings.Contains(body, `href="/proxy?url=http%3A%2F%2Ftarget.example.com%2Fabout"`) {
		t.Errorf("body link not wrapped: %q", body)
	}
	if !strings.Contains(body, `<base href="http://target.example.com/">`) {
		t.Errorf("base tag not injected: %q", body)
	}
	if ct := result.Header.Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	if cl := result.Header.Get("Content-Length"); cl != "" {
		t.Errorf("Content-Length = %q, want dropped after rewriting", cl)
	}
}

func TestRelay_RedirectWrapped(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://target.example.com/next")
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer proxy.Close()

	s := newTestService(t, credentialFor(t, proxy))
	result, err := s.Relay(&model.RelayRequest{Method: http.MethodGet, RawTarget: "http://target.example.com/old"})
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}

	want := "/proxy?url=" + url.QueryEscape("http://target.example.com/next")
	if result.RedirectTo != want {
		t.Errorf("RedirectTo = %q, want %q", result.RedirectTo, want)
	}
	if result.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d (relay's own redirect)", result.StatusCode, http.StatusFound)
	}
}

func TestRelay_InvalidTargetNotDispatched(t *testing.T) {
	var calls atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer proxy.Close()

	s := newTestService(t, credentialFor(t, proxy))
	_, err := s.Relay(&model.RelayRequest{Method: http.MethodGet, RawTarget: "not a url"})
	if !errors.Is(err, rewrite.ErrInvalidURL) {
		t.Fatalf("Relay() error = %v, want ErrInvalidURL", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("proxy saw %d requests, want 0 for an invalid target", n)
	}
}

func TestRelay_UpstreamFailure(t *testing.T) {
	cred := config.Credential{Username: "alice", Password: "s3cret", Host: "127.0.0.1", Port: 1}
	s := newTestService(t, cred)

	_, err := s.Relay(&model.RelayRequest{Method: http.MethodGet, RawTarget: "http://target.example.com/"})
	if err == nil {
		t.Fatal("Relay() expected error for unreachable proxy, got nil")
	}
	if errors.Is(err, rewrite.ErrInvalidURL) {
		t.Errorf("error = %v, want an upstream failure rather than an invalid target", err)
	}
}

func TestRelay_BinaryPassedThrough(t *testing.T) {
	payload := []byte{0x89, 0x50, 0x4e, 0x47}
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer proxy.Close()

	s := newTestService(t, credentialFor(t, proxy))
	result, err := s.Relay(&model.RelayRequest{Method: http.MethodGet, RawTarget: "http://target.example.com/logo.png"})
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}

	if string(result.Body) != string(payload) {
		t.Errorf("Body = %v, want untouched payload", result.Body)
	}
	if ct := result.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if cl := result.Header.Get("Content-Length"); cl != strconv.Itoa(len(payload)) {
		t.Errorf("Content-Length = %q, want preserved for a passthrough body", cl)
	}
}

func TestRelay_ErrorStatusPassedThrough(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
	}))
	defer proxy.Close()

	s := newTestService(t, credentialFor(t, proxy))
	result, err := s.Relay(&model.RelayRequest{Method: http.MethodGet, RawTarget: "http://target.example.com/missing"})
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}

	if result.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want %d", result.StatusCode, http.StatusNotFound)
	}
	if string(result.Body) != "not found" {
		t.Errorf("Body = %q, want %q", result.Body, "not found")
	}
	if result.RedirectTo != "" {
		t.Errorf("RedirectTo = %q, want empty", result.RedirectTo)
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":     {"text/html"},
		"Content-Length":   {"120"},
		"Content-Encoding": {"gzip"},
		"Cache-Control":    {"max-age=60"},
		"Etag":             {`"abc"`},
		"Set-Cookie":       {"session=1"},
		"Server":           {"nginx"},
		"X-Frame-Options":  {"DENY"},
	}

	t.Run("passthrough keeps transport headers", func(t *testing.T) {
		got := filterResponseHeaders(src, false)
		for _, key := range []string{"Content-Type", "Content-Length", "Content-Encoding", "Cache-Control", "Etag"} {
			if got.Get(key) == "" {
				t.Errorf("%s missing, want forwarded", key)
			}
		}
		for _, key := range []string{"Set-Cookie", "Server", "X-Frame-Options"} {
			if got.Get(key) != "" {
				t.Errorf("%s = %q, want dropped", key, got.Get(key))
			}
		}
	})

	t.Run("transformed drops stale byte headers", func(t *testing.T) {
		got := filterResponseHeaders(src, true)
		if got.Get("Content-Length") != "" {
			t.Error("Content-Length forwarded for a transformed body")
		}
		if got.Get("Content-Encoding") != "" {
			t.Error("Content-Encoding forwarded for a transformed body")
		}
		if got.Get("Content-Type") == "" {
			t.Error("Content-Type missing")
		}
	})
}
