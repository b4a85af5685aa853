// Package compose implements the response-composition policy of §4.7: given
// an upstream response (if any) and a matching mock rule (if any), produce
// the response the client actually sees.
package compose

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/sinanerdinc/mockpod/internal/ruleengine"
)

// MarkerHeader is appended to any response produced by Overlay or Synthesize
// (which includes the offline-synth variant), per §6 "Marker header".
const MarkerHeader = "X-Mockpod-Rule"

// hopByHopFiltered are the headers §4.7 always strips before composition,
// case-insensitively.
var hopByHopFiltered = []string{"Transfer-Encoding", "Content-Encoding", "Content-Length", "Connection"}

// Response is the composed client-facing HTTP response.
type Response struct {
	StatusCode int
	Headers    []ruleengine.Header
	Body       []byte
}

// Upstream is the subset of an upstream response composition needs.
type Upstream struct {
	StatusCode int
	Headers    []ruleengine.Header
	Body       []byte
}

// filterHeaders returns a copy of headers with the hop-by-hop set removed.
func filterHeaders(headers []ruleengine.Header) []ruleengine.Header {
	out := make([]ruleengine.Header, 0, len(headers))
	for _, h := range headers {
		if isHopByHop(h.Name) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func isHopByHop(name string) bool {
	for _, f := range hopByHopFiltered {
		if strings.EqualFold(name, f) {
			return true
		}
	}
	return false
}

// overlayHeaders replaces-or-adds each mock header over the filtered
// upstream headers, preserving upstream header order and appending any mock
// header whose name was not already present.
func overlayHeaders(upstream []ruleengine.Header, mock []ruleengine.Header) []ruleengine.Header {
	base := filterHeaders(upstream)
	for _, mh := range mock {
		replaced := false
		for i, bh := range base {
			if strings.EqualFold(bh.Name, mh.Name) {
				base[i] = mh
				replaced = true
				break
			}
		}
		if !replaced {
			base = append(base, mh)
		}
	}
	return base
}

func withMarker(headers []ruleengine.Header, ruleName string) []ruleengine.Header {
	return append(headers, ruleengine.Header{Name: MarkerHeader, Value: ruleName})
}

// Overlay composes the MITM "rule matches, upstream reachable" case: the
// upstream response is the base; the mock status always replaces upstream
// status; the mock body replaces the upstream body if non-empty; each mock
// header replaces-or-adds over the filtered upstream headers.
func Overlay(upstream Upstream, mock ruleengine.MockResponse, ruleName string) Response {
	body := upstream.Body
	if len(mock.Body) > 0 {
		body = []byte(mock.Body)
	}
	return Response{
		StatusCode: mock.StatusCode,
		Headers:    withMarker(overlayHeaders(upstream.Headers, mock.Headers), ruleName),
		Body:       body,
	}
}

// Synthesize composes a response entirely from the mock, without consulting
// any upstream response. This covers both the HTTP-proxy "rule matches"
// strategy and the MITM "offline-synth" fallback — they share the same
// shape (§4.7 table).
func Synthesize(mock ruleengine.MockResponse, ruleName string) Response {
	headers := make([]ruleengine.Header, 0, len(mock.Headers)+2)
	headers = append(headers, filterHeaders(mock.Headers)...)
	if _, ok := ruleengine.Get(headers, "Content-Type"); !ok {
		headers = append(headers, ruleengine.Header{Name: "Content-Type", Value: "application/json"})
	}
	return Response{
		StatusCode: mock.StatusCode,
		Headers:    withMarker(headers, ruleName),
		Body:       []byte(mock.Body),
	}
}

// Passthrough composes the "no rule" strategy: the upstream response is
// relayed as-is, with hop-by-hop headers stripped.
func Passthrough(upstream Upstream) Response {
	return Response{
		StatusCode: upstream.StatusCode,
		Headers:    filterHeaders(upstream.Headers),
		Body:       upstream.Body,
	}
}

// CertHost and CertPath are the reserved pseudo-host and path the Local-host
// Certificate Service (§4.8) recognizes, on either the plaintext HTTP-proxy
// path or the MITM path.
const (
	CertHost = "mockpod.local"
	CertPath = "/mockpod/cert"
)

// IsCertRequest reports whether (host, path) addresses the certificate
// download route, per §4.8: host == mockpod.local, or path == /mockpod/cert.
func IsCertRequest(host, path string) bool {
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return host == CertHost || path == CertPath
}

// CertDownloadResponse builds the root CA DER download response (§6, §4.8).
// It carries no marker header — it is not rule-derived.
func CertDownloadResponse(rootCADER []byte) Response {
	return Response{
		StatusCode: http.StatusOK,
		Headers: []ruleengine.Header{
			{Name: "Content-Type", Value: "application/x-x509-ca-cert"},
			{Name: "Content-Disposition", Value: `attachment; filename="MockpodCA.der"`},
		},
		Body: rootCADER,
	}
}

// HeadersFromHTTP converts a net/http.Header into the ordered Header slice
// this package works with.
func HeadersFromHTTP(h http.Header) []ruleengine.Header {
	out := make([]ruleengine.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, ruleengine.Header{Name: name, Value: v})
		}
	}
	return out
}

// WriteHTTP11 serializes resp as a raw HTTP/1.1 response message onto w. It
// is the only place in the package that knows about wire format; everything
// else here deals in the Response/Upstream value types.
//
// Header names and values coming from a mock rule are user-authored JSON, not
// something this package controls, so each is validated with httpguts before
// being written — a malformed name or a value carrying a bare CR/LF would
// otherwise corrupt the response or allow header injection onto the wire.
func WriteHTTP11(w io.Writer, resp Response) error {
	statusText := http.StatusText(resp.StatusCode)
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", resp.StatusCode, statusText); err != nil {
		return err
	}
	for _, h := range resp.Headers {
		if !httpguts.ValidHeaderFieldName(h.Name) || !httpguts.ValidHeaderFieldValue(h.Value) {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", h.Name, h.Value); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	_, err := w.Write(resp.Body)
	return err
}

// Finalize recomputes Content-Length from the final body and sets Connection
// explicitly, after stripping hop-by-hop headers once more (idempotent for
// responses already built by this package). Call this last, immediately
// before writing the response to the wire.
func Finalize(resp Response, keepAlive bool) Response {
	headers := filterHeaders(resp.Headers)
	headers = append(headers, ruleengine.Header{Name: "Content-Length", Value: strconv.Itoa(len(resp.Body))})
	connection := "close"
	if keepAlive {
		connection = "keep-alive"
	}
	headers = append(headers, ruleengine.Header{Name: "Connection", Value: connection})
	return Response{StatusCode: resp.StatusCode, Headers: headers, Body: resp.Body}
}
