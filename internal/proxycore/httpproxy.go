package proxycore

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sinanerdinc/mockpod/internal/compose"
	"github.com/sinanerdinc/mockpod/internal/trafficbus"
)

// handleHTTPProxy implements the HTTP Proxy Path (§4.5). req has already
// been fully parsed (request line + headers + Content-Length framing) by
// http.ReadRequest in handleConn.
func (d *Dispatcher) handleHTTPProxy(conn net.Conn, req *http.Request) {
	defer conn.Close()

	start := time.Now()
	absURL := req.URL.String()
	entry := trafficbus.Entry{
		ID:        newEntryID(),
		Timestamp: start,
		Method:    req.Method,
		URL:       absURL,
		Host:      req.URL.Hostname(),
		Path:      req.URL.Path,
		Scheme:    req.URL.Scheme,
		Headers:   compose.HeadersFromHTTP(req.Header),
	}

	// §4.8: the certificate-download route is served on the plaintext path
	// too (scenario 6 sends a plain GET /mockpod/cert).
	if compose.IsCertRequest(req.Host, req.URL.Path) {
		resp := compose.Finalize(compose.CertDownloadResponse(d.CA.RootCADER()), false)
		d.finishHTTPProxy(conn, &entry, resp, start)
		return
	}

	// Step 2: synthesize directly from a matching rule without touching
	// upstream. This is the HTTP-proxy/MITM composition asymmetry the spec
	// preserves intentionally (§9).
	if rule, ok := d.Rules.Match(req.Method, absURL); ok {
		if rule.Response.Delay > 0 {
			time.Sleep(rule.Response.Delay)
		}
		resp := compose.Finalize(compose.Synthesize(rule.Response, rule.Name), false)
		if d.Metrics != nil {
			d.Metrics.StrategySynthesize.Add(1)
		}
		d.finishHTTPProxy(conn, &entry, resp, start)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return // ClientProtocolError: close, no entry.
	}

	upstreamHost := req.URL.Host
	if _, _, splitErr := net.SplitHostPort(upstreamHost); splitErr != nil {
		upstreamHost = net.JoinHostPort(upstreamHost, "80")
	}

	upstreamConn, err := net.DialTimeout("tcp", upstreamHost, d.DialTimeout)
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.ErrorsUpstream.Add(1)
		}
		resp := compose.Finalize(compose.Response{StatusCode: http.StatusBadGateway, Body: []byte("Bad Gateway")}, false)
		d.finishHTTPProxy(conn, &entry, resp, start)
		return
	}
	defer upstreamConn.Close()

	outReq := req.Clone(req.Context())
	outReq.Header.Del("Proxy-Connection")
	outReq.Header.Del("Accept-Encoding")
	outReq.Host = req.URL.Host
	outReq.URL.Scheme = ""
	outReq.URL.Host = ""
	outReq.URL.Opaque = ""
	outReq.RequestURI = ""
	outReq.Body = io.NopCloser(bytes.NewReader(body))
	outReq.ContentLength = int64(len(body))

	if err := outReq.Write(upstreamConn); err != nil {
		if d.Metrics != nil {
			d.Metrics.ErrorsUpstream.Add(1)
		}
		resp := compose.Finalize(compose.Response{StatusCode: http.StatusBadGateway, Body: []byte("Bad Gateway")}, false)
		d.finishHTTPProxy(conn, &entry, resp, start)
		return
	}

	upstreamResp, err := http.ReadResponse(bufio.NewReader(upstreamConn), outReq)
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.ErrorsUpstream.Add(1)
		}
		resp := compose.Finalize(compose.Response{StatusCode: http.StatusBadGateway, Body: []byte("Bad Gateway")}, false)
		d.finishHTTPProxy(conn, &entry, resp, start)
		return
	}
	upstreamBody, err := io.ReadAll(upstreamResp.Body)
	upstreamResp.Body.Close()
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.ErrorsUpstream.Add(1)
		}
		resp := compose.Finalize(compose.Response{StatusCode: http.StatusBadGateway, Body: []byte("Bad Gateway")}, false)
		d.finishHTTPProxy(conn, &entry, resp, start)
		return
	}

	if d.Metrics != nil {
		d.Metrics.RecordUpstreamLatency(time.Since(start))
		d.Metrics.StrategyPassthrough.Add(1)
	}

	resp := compose.Finalize(compose.Passthrough(compose.Upstream{
		StatusCode: upstreamResp.StatusCode,
		Headers:    compose.HeadersFromHTTP(upstreamResp.Header),
		Body:       upstreamBody,
	}), false)

	d.finishHTTPProxy(conn, &entry, resp, start)
}

func (d *Dispatcher) finishHTTPProxy(conn net.Conn, entry *trafficbus.Entry, resp compose.Response, start time.Time) {
	if err := compose.WriteHTTP11(conn, resp); err != nil {
		return
	}

	entry.StatusCode = resp.StatusCode
	entry.ResponseHeaders = resp.Headers
	entry.ResponseBody = resp.Body
	entry.Duration = time.Since(start)
	entry.Complete = true

	if d.Bus != nil {
		d.Bus.Publish(*entry)
	}
}
