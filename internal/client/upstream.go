// Package client provides the outbound HTTP client and WebSocket dialer.
// Every outbound connection is established through the fixed upstream proxy;
// nothing in the relay talks to a target site directly.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"webrelay-go/internal/config"
	"webrelay-go/internal/metrics"
	"webrelay-go/internal/model"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// acceptEncoding is pinned to encodings the rewriter can undo. The inbound
// Accept-Encoding never reaches the target: a body the relay cannot decode
// is a body it cannot rewrite.
const acceptEncoding = "gzip, deflate"

// droppedHeaders are inbound headers never forwarded to the target; they
// would leak the relay's own identity to the destination.
var droppedHeaders = []string{"Host", "Origin", "Referer"}

// defaultHeaders is the browser-like header set every outbound request
// starts from. Inbound headers overlay these, so a client's own User-Agent
// or Accept-Language wins.
func defaultHeaders() http.Header {
	return http.Header{
		"User-Agent":      {userAgent},
		"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
		"Accept-Language": {"en-US,en;q=0.9"},
		"Accept-Encoding": {acceptEncoding},
		"Connection":      {"keep-alive"},
		"Cache-Control":   {"no-cache"},
		"Sec-Fetch-Dest":  {"document"},
		"Sec-Fetch-Mode":  {"navigate"},
		"Sec-Fetch-Site":  {"none"},
		"Sec-Fetch-User":  {"?1"},
	}
}

// UpstreamClient dispatches HTTP requests to target sites through the fixed
// upstream proxy.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling. HTTPS
// targets are reached with CONNECT tunnels through the proxy. Redirects are
// never followed at the transport level: 3xx responses come back verbatim so
// the rewriter can wrap their Location.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cred config.Credential, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyURL(cred.URL()),
		MaxIdleConns:        cfg.Proxy.IdleConnections,
		MaxIdleConnsPerHost: cfg.Proxy.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Proxy.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Dispatch sends one relay request to target through the upstream proxy and
// returns the fully buffered response. target must already be normalized.
//
// The request runs on its own context, detached from the inbound request: a
// client that disconnects mid-flight does not cancel the target fetch. The
// fetch runs to completion or to the client timeout and its result is simply
// dropped by the write path if nobody is left to read it.
func (c *UpstreamClient) Dispatch(target string, pr *model.RelayRequest) (*model.RelayResponse, error) {
	targetURL, err := buildTargetURL(target, pr.Query)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(context.Background(), pr.Method, targetURL, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("build target request: %w", err)
	}
	req.Header = curateHeaders(pr.Header)

	c.logger.Debug("dispatching", "method", pr.Method, "target", target)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(pr.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read target body: %w", err)
	}

	return &model.RelayResponse{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// buildTargetURL merges the remaining inbound query parameters (everything
// but the relay's own url parameter) into the target URL.
func buildTargetURL(target string, query url.Values) (string, error) {
	if len(query) == 0 {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target %q: %w", target, err)
	}
	q := u.Query()
	for key, vals := range query {
		for _, v := range vals {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// curateHeaders builds the outbound header set: browser-like defaults
// overlaid with the inbound headers, minus the dropped set. Accept-Encoding
// is pinned last so response bodies stay decodable for rewriting.
func curateHeaders(inbound http.Header) http.Header {
	h := defaultHeaders()
	for key, vals := range inbound {
		h[http.CanonicalHeaderKey(key)] = vals
	}
	for _, key := range droppedHeaders {
		h.Del(key)
	}
	h.Set("Accept-Encoding", acceptEncoding)
	return h
}
