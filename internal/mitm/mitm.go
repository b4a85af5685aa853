// Package mitm implements the MITM Session (§4.6): once the Dispatcher has
// sent the CONNECT 200 response, it hands the raw connection here. This
// package runs a TLS server over that connection using the leaf certificate
// the Certificate Authority minted for the target host, decodes HTTP/1.1
// requests from the decrypted stream, re-originates each request to the
// real upstream over a fresh TLS client connection, composes the response
// per §4.7, and loops for keep-alive.
package mitm

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sinanerdinc/mockpod/internal/ca"
	"github.com/sinanerdinc/mockpod/internal/compose"
	"github.com/sinanerdinc/mockpod/internal/logger"
	"github.com/sinanerdinc/mockpod/internal/metrics"
	"github.com/sinanerdinc/mockpod/internal/ruleengine"
	"github.com/sinanerdinc/mockpod/internal/trafficbus"
)

// idleTimeout bounds how long a MITM session waits for the next
// keep-alive request before closing (§5 "a MITM session idle beyond a
// keep-alive window (e.g., 60s) may be closed").
const idleTimeout = 60 * time.Second

// Handler runs MITM Sessions. It satisfies proxycore.MITMHandler without
// proxycore importing this package (avoiding an import cycle: this package
// already imports ca/compose/ruleengine/trafficbus, the same leaves
// proxycore depends on).
type Handler struct {
	CA      *ca.CA
	Rules   *ruleengine.Engine
	Bus     *trafficbus.Bus
	Metrics *metrics.Metrics
	Log     *logger.Logger

	DialTimeout time.Duration

	// UpstreamTLSConfig, if non-nil, is used verbatim when dialing the real
	// upstream (§4.6.d "standard trust"). Tests substitute a config trusting
	// a local test CA; production leaves this nil for the default
	// MinVersion-only config.
	UpstreamTLSConfig *tls.Config
}

// New returns a Handler with default timeouts. The log level defaults to
// "info"; callers adjust it with Log.SetLevel once configuration is loaded.
func New(caInst *ca.CA, rules *ruleengine.Engine, bus *trafficbus.Bus, m *metrics.Metrics) *Handler {
	return &Handler{CA: caInst, Rules: rules, Bus: bus, Metrics: m, Log: logger.New("MITM", "info"), DialTimeout: 10 * time.Second}
}

// Handle terminates TLS on conn using tlsConfig and runs the per-request
// loop against targetHostPort (host:port, already defaulted by the
// Dispatcher).
func (h *Handler) Handle(conn net.Conn, targetHostPort string, tlsConfig *tls.Config) {
	defer conn.Close()

	if h.Metrics != nil {
		h.Metrics.ActiveMITMSessions.Add(1)
		defer h.Metrics.ActiveMITMSessions.Add(-1)
	}

	host, _, err := net.SplitHostPort(targetHostPort)
	if err != nil {
		host = targetHostPort
	}

	tlsConn := tls.Server(conn, tlsConfig)
	defer tlsConn.Close()

	// Inbound TLS handshake errors (e.g. certificate-pinned clients) are
	// expected and must not be surfaced as user-visible failures (§4.6, §7
	// TLSHandshakeFailed) — debug-level log only, then silent return.
	if err := tlsConn.SetDeadline(time.Now().Add(idleTimeout)); err == nil {
		if hsErr := tlsConn.Handshake(); hsErr != nil {
			h.Log.Debugf("handshake", "%s: %v", host, hsErr)
			return
		}
	}

	s := &session{
		handler:        h,
		conn:           tlsConn,
		br:             bufio.NewReader(tlsConn),
		targetHost:     host,
		targetHostPort: targetHostPort,
	}
	s.run()
}

// session is the per-connection state machine of §4.6. It processes one
// HTTP/1.1 request at a time and resets for the next on keep-alive.
type session struct {
	handler        *Handler
	conn           *tls.Conn
	br             *bufio.Reader
	targetHost     string
	targetHostPort string
}

func (s *session) run() {
	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		req, err := http.ReadRequest(s.br)
		if err != nil {
			// Client closed the connection, or sent something unparsable —
			// ClientProtocolError: close, no entry published.
			if s.handler.Metrics != nil {
				s.handler.Metrics.ErrorsClientProtocol.Add(1)
			}
			return
		}

		if !s.handleOneRequest(req) {
			return
		}
	}
}

// handleOneRequest implements §4.6 steps a-j for a single decoded request.
// It returns false if the session must terminate: after the certificate
// route, or when the request body cannot be read. The client's own
// Connection header is not consulted.
func (s *session) handleOneRequest(req *http.Request) bool {
	start := time.Now()
	id := uuid.New().String()

	uri := req.URL.RequestURI()
	fullURL := "https://" + s.targetHost + uri

	entry := trafficbus.Entry{
		ID:        id,
		Timestamp: start,
		Method:    req.Method,
		URL:       fullURL,
		Host:      s.targetHost,
		Path:      req.URL.Path,
		Scheme:    "https",
		Headers:   compose.HeadersFromHTTP(req.Header),
	}

	// §4.6 step b / §4.8: the local-host certificate service.
	if compose.IsCertRequest(s.targetHost, uri) {
		resp := compose.Finalize(compose.CertDownloadResponse(s.handler.CA.RootCADER()), false)
		s.publish(&entry, resp, start)
		return false // Connection: close is set by Finalize(keepAlive=false).
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return false
	}

	rule, matched := s.handler.Rules.Match(req.Method, fullURL)

	upstreamResp, upstreamBody, upErr := s.forwardToUpstream(req, body)
	switch {
	case upErr != nil && matched:
		// Offline-fallback (§4.6.e): synthesize entirely from the rule.
		if rule.Response.Delay > 0 {
			time.Sleep(rule.Response.Delay)
		}
		resp := compose.Finalize(compose.Synthesize(rule.Response, rule.Name), true)
		if s.handler.Metrics != nil {
			s.handler.Metrics.StrategyOfflineSynth.Add(1)
			s.handler.Metrics.ErrorsUpstream.Add(1)
		}
		s.publish(&entry, resp, start)
		return true

	case upErr != nil:
		if s.handler.Metrics != nil {
			s.handler.Metrics.ErrorsUpstream.Add(1)
		}
		resp := compose.Finalize(compose.Response{StatusCode: http.StatusBadGateway, Body: []byte("Bad Gateway")}, true)
		s.publish(&entry, resp, start)
		return true

	case matched:
		if rule.Response.Delay > 0 {
			time.Sleep(rule.Response.Delay)
		}
		resp := compose.Finalize(compose.Overlay(compose.Upstream{
			StatusCode: upstreamResp.StatusCode,
			Headers:    compose.HeadersFromHTTP(upstreamResp.Header),
			Body:       upstreamBody,
		}, rule.Response, rule.Name), true)
		if s.handler.Metrics != nil {
			s.handler.Metrics.StrategyOverlay.Add(1)
		}
		s.publish(&entry, resp, start)
		return true

	default:
		resp := compose.Finalize(compose.Passthrough(compose.Upstream{
			StatusCode: upstreamResp.StatusCode,
			Headers:    compose.HeadersFromHTTP(upstreamResp.Header),
			Body:       upstreamBody,
		}), true)
		if s.handler.Metrics != nil {
			s.handler.Metrics.StrategyPassthrough.Add(1)
		}
		s.publish(&entry, resp, start)
		return true
	}
}

// forwardToUpstream opens a fresh TLS client connection to the target host
// (standard trust, not our CA — §4.6.d) and sends the request head and
// body, rewriting Host and stripping Accept-Encoding. No connection pooling
// (§9 open question, decided: not required by this specification).
func (s *session) forwardToUpstream(req *http.Request, body []byte) (*http.Response, []byte, error) {
	tlsConfig := s.handler.UpstreamTLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	reqStart := time.Now()
	dialer := &net.Dialer{Timeout: s.handler.DialTimeout}
	upstreamConn, err := tls.DialWithDialer(dialer, "tcp", s.targetHostPort, tlsConfig)
	if err != nil {
		return nil, nil, err
	}
	defer upstreamConn.Close()

	outReq := req.Clone(req.Context())
	outReq.Header.Del("Accept-Encoding")
	outReq.Host = s.targetHost
	outReq.URL.Scheme = "https"
	outReq.URL.Host = s.targetHost
	outReq.RequestURI = ""
	outReq.Body = io.NopCloser(bytes.NewReader(body))
	outReq.ContentLength = int64(len(body))

	if err := outReq.Write(upstreamConn); err != nil {
		return nil, nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstreamConn), outReq)
	if err != nil {
		return nil, nil, err
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, nil, err
	}
	if s.handler.Metrics != nil {
		s.handler.Metrics.RecordUpstreamLatency(time.Since(reqStart))
	}
	return resp, respBody, nil
}

// publish writes the final response and publishes the completed entry
// (§4.6.i). It applies no delay itself: the callers above apply the mock's
// delay before composing, so the delay precedes the write (§4.6.g).
func (s *session) publish(entry *trafficbus.Entry, resp compose.Response, start time.Time) {
	if err := compose.WriteHTTP11(s.conn, resp); err != nil {
		return
	}

	entry.StatusCode = resp.StatusCode
	entry.ResponseHeaders = resp.Headers
	entry.ResponseBody = resp.Body
	entry.Duration = time.Since(start)
	entry.Complete = true

	if s.handler.Bus != nil {
		s.handler.Bus.Publish(*entry)
	}
}
