// Package rewrite implements target URL normalization and response
// classification/rewriting. Rewriting keeps redirects and embedded HTML
// links flowing back through the relay route instead of escaping to the
// destination site directly.
package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidURL is returned when a target URL cannot be parsed or resolved.
// Callers surface it as a client-side error (HTTP 400 or a socket close),
// never as an upstream failure.
var ErrInvalidURL = errors.New("invalid target url")

// schemePattern matches a URI scheme prefix per RFC 3986.
var schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)

// Normalize canonicalizes a client-supplied target URL into an absolute URL.
//
// Protocol-relative input (//host/path) gets an https scheme. When base is
// non-empty and raw carries no scheme of its own, raw is resolved against
// base's origin: relative links resolve against the site root, not the
// current document path. Path-relative links like ./img.png on nested pages
// therefore mis-resolve; this matches the relay's historical behavior and is
// kept on purpose rather than changed under existing pages.
func Normalize(raw, base string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	switch {
	case strings.HasPrefix(raw, "//"):
		raw = "https:" + raw
	case base != "" && !schemePattern.MatchString(raw):
		origin, err := Origin(base)
		if err != nil {
			return "", err
		}
		if !strings.HasPrefix(raw, "/") {
			raw = "/" + raw
		}
		raw = origin + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	// url.Parse accepts almost anything as a bare path; an absolute target
	// needs both a scheme and a host.
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, raw)
	}
	return u.String(), nil
}

// Origin reduces an absolute URL to scheme://host[:port].
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q has no origin", ErrInvalidURL, rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// WrapProxy wraps an absolute URL as a relay route, so that following it
// keeps the navigation inside the proxy.
func WrapProxy(absolute string) string {
	return "/proxy?url=" + url.QueryEscape(absolute)
}
