package rewrite

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"webrelay-go/internal/metrics"
	"webrelay-go/internal/model"
)

// Kind classifies how an upstream response body was handled.
type Kind string

// Outcome kinds, in classification priority order.
const (
	KindRedirect Kind = "redirect"
	KindHTML     Kind = "html"
	KindJSON     Kind = "json"
	KindText     Kind = "text"
	KindBinary   Kind = "binary"
)

// Outcome is the result of classifying and rewriting one upstream response.
// Location is set only for KindRedirect and holds the wrapped relay URL the
// caller should redirect the client to. Transformed reports that Body no
// longer matches the upstream bytes, so the upstream content-length and
// content-encoding headers must not be forwarded with it.
type Outcome struct {
	Kind        Kind
	Body        []byte
	Location    string
	Transformed bool
}

// linkAttrPattern matches quoted href/src/action attribute values. Rewriting
// is a text-level pass, not an HTML parse; everything outside matched
// attribute values stays byte-identical.
var linkAttrPattern = regexp.MustCompile(`(?i)(href|src|action)=["']([^"']+)["']`)

var (
	headTagPattern = regexp.MustCompile(`(?i)<head[^>]*>`)
	baseTagPattern = regexp.MustCompile(`(?i)<base[\s>]`)
)

// skipPrefixes lists link values the rewriter leaves alone: in-page anchors,
// non-navigable schemes, and links already pointing at the relay.
var skipPrefixes = []string{
	"#",
	"javascript:",
	"data:",
	"mailto:",
	"tel:",
	"about:",
	"blob:",
	"/proxy?url=",
}

// Rewriter classifies upstream responses and rewrites redirect targets and
// embedded HTML links into relay URLs.
type Rewriter struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRewriter creates a Rewriter.
// The metrics parameter is optional; pass nil to disable outcome recording.
func NewRewriter(logger *slog.Logger, m *metrics.Metrics) *Rewriter {
	return &Rewriter{
		logger:  logger.With("component", "rewriter"),
		metrics: m,
	}
}

// Transform classifies resp against its status code and content type and
// applies the matching handling, in priority order: redirect rewriting, HTML
// link rewriting, JSON re-serialization, text passthrough, binary
// passthrough. target must be the normalized URL the response was fetched
// from; it anchors relative link resolution.
//
// Transform never fails: every content-level problem degrades to passing the
// original bytes through unchanged.
func (r *Rewriter) Transform(resp *model.RelayResponse, target string) Outcome {
	out := r.transform(resp, target)
	if r.metrics != nil {
		r.metrics.RewriteOutcomes.WithLabelValues(string(out.Kind)).Inc()
	}
	return out
}

func (r *Rewriter) transform(resp *model.RelayResponse, target string) Outcome {
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc := resp.Header.Get("Location"); loc != "" {
			return r.rewriteRedirect(resp, loc, target)
		}
	}

	ct := strings.ToLower(resp.ContentType)
	switch {
	case strings.Contains(ct, "text/html"):
		return r.rewriteHTML(resp, target)
	case strings.Contains(ct, "application/json"):
		return r.reserializeJSON(resp)
	case strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "application/javascript"),
		strings.Contains(ct, "application/x-javascript"):
		return Outcome{Kind: KindText, Body: resp.Body}
	default:
		return Outcome{Kind: KindBinary, Body: resp.Body}
	}
}

// rewriteRedirect resolves a 3xx Location against the target's origin and
// wraps it as a relay URL, keeping multi-hop redirect chains inside the
// proxy. A Location that cannot be normalized degrades to a plain body
// passthrough; the header copy policy drops Location, so the chain ends
// rather than escaping.
func (r *Rewriter) rewriteRedirect(resp *model.RelayResponse, location, target string) Outcome {
	abs, err := Normalize(location, target)
	if err != nil {
		r.logger.Warn("redirect location not rewritable",
			"location", location,
			"target", target,
			"err", err,
		)
		return Outcome{Kind: KindBinary, Body: resp.Body}
	}
	return Outcome{Kind: KindRedirect, Location: WrapProxy(abs), Transformed: true}
}

// rewriteHTML injects a <base> tag pointing at the target's origin and
// rewrites every href/src/action attribute into a relay URL. Links that
// fail to normalize are left untouched; a body that cannot be decoded at
// all passes through verbatim.
func (r *Rewriter) rewriteHTML(resp *model.RelayResponse, target string) Outcome {
	plain, err := decodeBody(resp)
	if err != nil {
		r.logger.Warn("html body not decodable, passing through",
			"target", target,
			"err", err,
		)
		return Outcome{Kind: KindHTML, Body: resp.Body}
	}

	// Links first, base second: the injected href must stay the bare origin
	// rather than being wrapped by the attribute pass.
	doc, rewritten := r.rewriteLinks(string(plain), target)
	doc = injectBase(doc, target)

	if r.metrics != nil && rewritten > 0 {
		r.metrics.RewrittenLinks.Add(float64(rewritten))
	}
	r.logger.Debug("html rewritten", "target", target, "links", rewritten)

	return Outcome{Kind: KindHTML, Body: []byte(doc), Transformed: true}
}

// rewriteLinks replaces every rewritable href/src/action value with a
// wrapped relay URL and reports how many links were rewritten.
func (r *Rewriter) rewriteLinks(doc, target string) (string, int) {
	rewritten := 0
	out := linkAttrPattern.ReplaceAllStringFunc(doc, func(match string) string {
		m := linkAttrPattern.FindStringSubmatch(match)
		attr, link := m[1], m[2]

		wrapped, ok := r.wrapLink(link, target)
		if !ok {
			return match
		}
		rewritten++
		return attr + `="` + wrapped + `"`
	})
	return out, rewritten
}

// wrapLink normalizes one attribute value against the target and wraps it as
// a relay URL. It reports false for values on the skip list, non-http(s)
// schemes, and values that fail to normalize.
func (r *Rewriter) wrapLink(link, target string) (string, bool) {
	lower := strings.ToLower(link)
	for _, p := range skipPrefixes {
		if strings.HasPrefix(lower, p) {
			return "", false
		}
	}
	if schemePattern.MatchString(link) &&
		!strings.HasPrefix(lower, "http:") && !strings.HasPrefix(lower, "https:") {
		return "", false
	}

	abs, err := Normalize(link, target)
	if err != nil {
		r.logger.Debug("link not rewritable", "link", link, "err", err)
		return "", false
	}
	return WrapProxy(abs), true
}

// injectBase inserts <base href="origin/"> right after the opening <head>
// tag when the document does not already carry a <base> tag. Documents
// without a <head> are left alone.
func injectBase(doc, target string) string {
	origin, err := Origin(target)
	if err != nil {
		return doc
	}
	if baseTagPattern.MatchString(doc) {
		return doc
	}
	loc := headTagPattern.FindStringIndex(doc)
	if loc == nil {
		return doc
	}
	return doc[:loc[1]] + `<base href="` + origin + `/">` + doc[loc[1]:]
}

// reserializeJSON parses and re-serializes a JSON body. Any decode or parse
// failure falls back to the original bytes with their headers intact.
func (r *Rewriter) reserializeJSON(resp *model.RelayResponse) Outcome {
	plain, err := decodeBody(resp)
	if err != nil {
		return Outcome{Kind: KindJSON, Body: resp.Body}
	}

	var v any
	if err := json.Unmarshal(plain, &v); err != nil {
		return Outcome{Kind: KindJSON, Body: resp.Body}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return Outcome{Kind: KindJSON, Body: resp.Body}
	}
	return Outcome{Kind: KindJSON, Body: out, Transformed: true}
}

// decodeBody returns the response body with any gzip/deflate content
// encoding removed. The dispatcher only advertises these two encodings, so
// anything else is a protocol surprise and reported as an error.
func decodeBody(resp *model.RelayResponse) ([]byte, error) {
	switch enc := strings.ToLower(resp.Header.Get("Content-Encoding")); enc {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(resp.Body))
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer func() { _ = zr.Close() }()
		return io.ReadAll(zr)
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if zr, err := zlib.NewReader(bytes.NewReader(resp.Body)); err == nil {
			defer func() { _ = zr.Close() }()
			return io.ReadAll(zr)
		}
		fr := flate.NewReader(bytes.NewReader(resp.Body))
		defer func() { _ = fr.Close() }()
		return io.ReadAll(fr)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}
