// Package service implements the core relay pipeline: normalize the target,
// dispatch through the upstream proxy, classify and rewrite the response.
package service

import (
	"fmt"
	"log/slog"
	"net/http"

	"webrelay-go/internal/client"
	"webrelay-go/internal/model"
	"webrelay-go/internal/rewrite"
)

// relayedResponseHeaders are the only target response headers forwarded to
// the client.
var relayedResponseHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Encoding",
	"Content-Language",
	"Cache-Control",
	"Expires",
	"Last-Modified",
	"Etag",
}

// RelayService relays one HTTP request to its target. Stages run strictly in
// order: normalize, dispatch, transform. A target that fails to normalize is
// never dispatched.
type RelayService struct {
	client   *client.UpstreamClient
	rewriter *rewrite.Rewriter
	logger   *slog.Logger
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.UpstreamClient, rw *rewrite.Rewriter, logger *slog.Logger) *RelayService {
	return &RelayService{
		client:   c,
		rewriter: rw,
		logger:   logger.With("component", "relay_service"),
	}
}

// Relay forwards pr to its normalized target and returns the rewritten
// result. An error wrapping rewrite.ErrInvalidURL reports a bad target
// (client-side); any other error is an upstream failure.
func (s *RelayService) Relay(pr *model.RelayRequest) (*model.RelayResult, error) {
	target, err := rewrite.Normalize(pr.RawTarget, "")
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Dispatch(target, pr)
	if err != nil {
		return nil, fmt.Errorf("relay %s: %w", pr.Method, err)
	}

	s.logger.Debug("target responded",
		"method", pr.Method,
		"target", target,
		"status", resp.StatusCode,
	)

	outcome := s.rewriter.Transform(resp, target)

	result := &model.RelayResult{
		StatusCode: resp.StatusCode,
		Header:     filterResponseHeaders(resp.Header, outcome.Transformed),
		Body:       outcome.Body,
		RedirectTo: outcome.Location,
	}
	if outcome.Location != "" {
		// The upstream redirect is replaced by the relay's own redirect to
		// the wrapped URL.
		result.StatusCode = http.StatusFound
	}
	return result, nil
}

// filterResponseHeaders copies the forwardable subset of target response
// headers. When the body was transformed, content-length and
// content-encoding describe bytes that no longer exist and are dropped.
func filterResponseHeaders(src http.Header, transformed bool) http.Header {
	dst := make(http.Header)
	for _, key := range relayedResponseHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if transformed {
		dst.Del("Content-Length")
		dst.Del("Content-Encoding")
	}
	return dst
}
