// Package model defines shared types for the relay.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// RelayRequest represents a client request to be relayed to a target site.
type RelayRequest struct {
	Method    string
	RawTarget string // target URL as supplied by the client, not yet normalized
	Query     url.Values
	Header    http.Header
	Body      io.Reader
}

// RelayResponse is the raw upstream response: status, headers, and an
// untransformed body buffer. Produced by the dispatcher, consumed by the
// rewriter.
type RelayResponse struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
}

// RelayResult is the response to deliver to the client after classification
// and rewriting. RedirectTo is non-empty only when the upstream answered
// with a redirect; the caller then issues its own redirect to that wrapped
// URL instead of writing Body.
type RelayResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RedirectTo string
}
