// Package proxycore implements the per-connection Dispatcher (§4.4) and the
// plaintext HTTP Proxy Path (§4.5). It is the front door: every accepted TCP
// connection is handed to a Dispatcher, which decides whether the
// connection wants a CONNECT tunnel (handed off to internal/mitm) or plain
// HTTP-proxy forwarding (handled here).
package proxycore

import (
	"bufio"
	"crypto/tls"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sinanerdinc/mockpod/internal/ca"
	"github.com/sinanerdinc/mockpod/internal/logger"
	"github.com/sinanerdinc/mockpod/internal/metrics"
	"github.com/sinanerdinc/mockpod/internal/ruleengine"
	"github.com/sinanerdinc/mockpod/internal/trafficbus"
)

// maxRequestLineBuffer bounds the request-line-plus-headers read buffer
// (§4.4 edge case: "request line ≥ 8 KiB without a delimiter ⇒ close").
const maxRequestLineBuffer = 8 * 1024

// MITMHandler installs the TLS server + MITM Session for a CONNECT tunnel.
// internal/mitm implements this; proxycore depends only on the interface to
// avoid an import cycle (mitm imports proxycore's sibling packages, not the
// reverse).
type MITMHandler interface {
	Handle(conn net.Conn, host string, tlsConfig *tls.Config)
}

// Dispatcher is the per-connection entry point (§4.4).
type Dispatcher struct {
	CA      *ca.CA
	Rules   *ruleengine.Engine
	Bus     *trafficbus.Bus
	Metrics *metrics.Metrics
	MITM    MITMHandler
	Log     *logger.Logger

	DialTimeout time.Duration
}

// New returns a Dispatcher with reasonable default timeouts. The log level
// defaults to "info"; callers adjust it with Log.SetLevel once the
// configuration has been loaded.
func New(caInst *ca.CA, rules *ruleengine.Engine, bus *trafficbus.Bus, m *metrics.Metrics, mitmHandler MITMHandler) *Dispatcher {
	return &Dispatcher{
		CA:          caInst,
		Rules:       rules,
		Bus:         bus,
		Metrics:     m,
		MITM:        mitmHandler,
		Log:         logger.New("PROXYCORE", "info"),
		DialTimeout: 10 * time.Second,
	}
}

// Serve accepts connections on ln until it returns an error (typically
// because ln was closed during shutdown).
func (d *Dispatcher) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go d.handleConn(conn)
	}
}

// handleConn implements the AwaitingRequest state: read the request line
// (and, for the plain path, the full header block), then branch.
func (d *Dispatcher) handleConn(conn net.Conn) {
	head := &io.LimitedReader{R: conn, N: maxRequestLineBuffer}
	br := bufio.NewReaderSize(head, maxRequestLineBuffer)

	req, err := http.ReadRequest(br)
	if err != nil {
		// Either a malformed request line/headers, or no complete request
		// head arrived within maxRequestLineBuffer bytes — both cases close
		// the connection per §4.4 and §7 (ClientProtocolError, no entry).
		d.Log.Debugf("read_request", "%v", err)
		conn.Close()
		return
	}
	// The head limit does not apply to a request body.
	head.N = math.MaxInt64

	if req.Method == http.MethodConnect {
		d.handleConnect(conn, req)
		return
	}

	d.handleHTTPProxy(conn, req)
}

// handleConnect implements the CONNECT branch of §4.4: parse host[:port]
// (default port 443), write the literal 200 response, then hand the raw
// connection off to the MITM layer with a leaf-cert TLS server config.
func (d *Dispatcher) handleConnect(conn net.Conn, req *http.Request) {
	host, port, err := splitHostPortDefault(req.RequestURI, "443")
	if err != nil {
		conn.Close()
		return
	}

	tlsConfig, err := d.CA.LeafTLSServerConfig(host)
	if err != nil {
		// LeafIssueFailed: fatal for this connection only, close after logging.
		d.Log.Errorf("leaf_issue", "%s: %v", host, err)
		if d.Metrics != nil {
			d.Metrics.ErrorsLeafIssue.Add(1)
		}
		conn.Close()
		return
	}
	if d.Metrics != nil {
		// LeafTLSServerConfig just issued or reused a cached leaf; the cache
		// only grows from here, so read it back for the live gauge.
		d.Metrics.LeafCacheSize.Store(int64(d.CA.CacheSize()))
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		conn.Close()
		return
	}

	if d.MITM == nil {
		conn.Close()
		return
	}
	d.MITM.Handle(conn, net.JoinHostPort(host, port), tlsConfig)
}

// splitHostPortDefault splits "host[:port]" returning defaultPort when no
// port is present.
func splitHostPortDefault(hostport, defaultPort string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(hostport)
	if err != nil {
		// Likely "host" with no colon at all.
		return hostport, defaultPort, nil
	}
	return host, port, nil
}

func newEntryID() string { return uuid.New().String() }
