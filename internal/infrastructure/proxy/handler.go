package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"netcapture/internal/domain"
	obs "netcapture/internal/infrastructure/observability"
)

const (
	handshakeTimeout = 10 * time.Second
	sniffTimeout     = 10 * time.Second
	idleTimeout      = 90 * time.Second
)

// CertSigner issues a leaf certificate (PEM) for a single host.
type CertSigner interface {
	SignCertForDomain(host string) (certPEM, keyPEM []byte, err error)
}

// CaptureSink accepts completed captures; Publisher implements it.
type CaptureSink interface {
	Publish(ctx context.Context, r domain.CapturedRequest) bool
}

// OriginalDestinations resolves where a redirected connection was originally headed.
type OriginalDestinations interface {
	Lookup(client, local netip.AddrPort) (netip.AddrPort, bool)
}

type HandlerOptions struct {
	Signer CertSigner
	// CA certificate PEM appended to every served leaf chain; optional
	CAChain []byte
	Sink    CaptureSink
	// optional; without it every connection takes the explicit path
	Destinations OriginalDestinations
	// Intercept decides whether a CONNECT host is TLS-terminated; nil intercepts everything
	Intercept func(host string) bool
	Upstream  UpstreamOptions
	Logger    *zerolog.Logger
	Metrics   *obs.Metrics
}

// Handler implements the explicit-proxy and transparent protocol paths for one connection at a time.
type Handler struct {
	signer       CertSigner
	caChain      []byte
	sink         CaptureSink
	destinations OriginalDestinations
	intercept    func(host string) bool
	client       *http.Client
	logger       *zerolog.Logger
	metrics      *obs.Metrics
}

func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		signer:       opts.Signer,
		caChain:      opts.CAChain,
		sink:         opts.Sink,
		destinations: opts.Destinations,
		intercept:    opts.Intercept,
		client:       newUpstreamClient(opts.Upstream),
		logger:       obs.Component(opts.Logger, "handler"),
		metrics:      opts.Metrics,
	}
	if h.metrics == nil {
		h.metrics = obs.NewMetrics()
	}
	if h.intercept == nil {
		h.intercept = func(string) bool { return true }
	}
	return h
}

// ServeConn serves one accepted connection until the client or upstream ends it.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	h.metrics.ActiveConnections.Inc()
	defer h.metrics.ActiveConnections.Dec()

	if orig, ok := h.originalDestination(conn); ok {
		h.serveTransparent(ctx, conn, orig)
		return
	}
	h.serveRequests(ctx, conn, bufio.NewReader(conn), target{})
}

func (h *Handler) originalDestination(conn net.Conn) (netip.AddrPort, bool) {
	if h.destinations == nil {
		return netip.AddrPort{}, false
	}
	client, ok1 := addrPort(conn.RemoteAddr())
	local, ok2 := addrPort(conn.LocalAddr())
	if !ok1 || !ok2 {
		return netip.AddrPort{}, false
	}
	return h.destinations.Lookup(client, local)
}

// target fixes where decoded requests go. The zero value means "explicit proxy":
// the request line carries the absolute URI.
type target struct {
	scheme    string
	authority string
	// dialAddr overrides the TCP destination (transparent path)
	dialAddr string
	// preferHostHeader uses the request Host header as authority when present
	preferHostHeader bool
}

func (t target) explicit() bool { return t.scheme == "" }

func (t target) resolve(req *http.Request) (*url.URL, error) {
	if t.explicit() {
		// origin-form would be forwarded to its own Host, which for a request
		// aimed at the proxy itself loops back into the listener
		if !req.URL.IsAbs() || req.URL.Host == "" {
			return nil, errors.New("proxy requests need an absolute URI")
		}
		u := *req.URL
		return &u, nil
	}
	authority := t.authority
	if t.preferHostHeader && req.Host != "" {
		authority = req.Host
	}
	return &url.URL{Scheme: t.scheme, Host: authority, Path: req.URL.Path, RawPath: req.URL.RawPath, RawQuery: req.URL.RawQuery}, nil
}

// serveRequests decodes HTTP/1.1 requests from br until the stream ends.
func (h *Handler) serveRequests(ctx context.Context, conn net.Conn, br *bufio.Reader, tgt target) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		if _, err := br.Peek(1); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		start := time.Now()
		req, err := http.ReadRequest(br)
		if err != nil {
			h.metrics.ProxyErrorsTotal.WithLabelValues("parse").Inc()
			h.logger.Debug().Err(fmt.Errorf("%w: %w", domain.ErrParse, err)).Str("client", conn.RemoteAddr().String()).Msg("malformed request")
			writeStatus(conn, http.StatusBadRequest, "Bad Request")
			return
		}
		if req.Method == http.MethodConnect {
			if !tgt.explicit() {
				writeStatus(conn, http.StatusMethodNotAllowed, "CONNECT is not allowed inside an intercepted stream")
				return
			}
			h.handleConnect(ctx, conn, br, req)
			return
		}
		u, err := tgt.resolve(req)
		if err != nil {
			h.metrics.ProxyErrorsTotal.WithLabelValues("parse").Inc()
			writeStatus(conn, http.StatusBadRequest, err.Error())
			return
		}
		if !h.exchange(ctx, conn, req, u, tgt.dialAddr, start) {
			return
		}
	}
}

// handleConnect answers the CONNECT and then either terminates TLS on the
// stream or tunnels it blind, depending on the interception policy.
func (h *Handler) handleConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request) {
	authority := req.Host
	if authority == "" {
		authority = req.URL.Host
	}
	host, port := splitHostPortDefault(authority, "443")
	if host == "" {
		writeStatus(conn, http.StatusBadRequest, "CONNECT without authority")
		return
	}
	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	stream := &bufferedConn{Conn: conn, r: br}
	if !h.intercept(host) {
		h.tunnel(ctx, stream, net.JoinHostPort(host, port))
		return
	}
	h.serveTLS(ctx, stream, host, target{scheme: "https", authority: authorityFor(host, port, "443")})
}

// serveTLS signs a leaf for host, terminates TLS on conn and serves the decrypted requests.
func (h *Handler) serveTLS(ctx context.Context, conn net.Conn, host string, tgt target) {
	certPEM, keyPEM, err := h.signer.SignCertForDomain(host)
	if err != nil {
		h.metrics.ProxyErrorsTotal.WithLabelValues("certificate").Inc()
		h.logger.Warn().Err(err).Str("host", host).Msg("leaf certificate signing failed")
		return
	}
	h.metrics.CertificatesIssued.Inc()
	chain := append(append([]byte{}, certPEM...), h.caChain...)
	cert, err := tls.X509KeyPair(chain, keyPEM)
	if err != nil {
		h.metrics.ProxyErrorsTotal.WithLabelValues("certificate").Inc()
		h.logger.Warn().Err(fmt.Errorf("%w: %w", domain.ErrCertificate, err)).Str("host", host).Msg("leaf key pair invalid")
		return
	}
	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	})
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	err = tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		h.metrics.ProxyErrorsTotal.WithLabelValues("tls_handshake").Inc()
		h.logger.Debug().Err(fmt.Errorf("%w: %w", domain.ErrTunnel, err)).Str("host", host).Msg("client TLS handshake failed")
		return
	}
	defer tlsConn.Close()
	h.serveRequests(ctx, tlsConn, bufio.NewReader(tlsConn), tgt)
}

// tunnel relays bytes between the client and addr without inspection.
func (h *Handler) tunnel(ctx context.Context, client net.Conn, addr string) {
	d := net.Dialer{Timeout: 10 * time.Second}
	upstream, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		h.metrics.ProxyErrorsTotal.WithLabelValues("upstream").Inc()
		h.logger.Debug().Err(fmt.Errorf("%w: %w", domain.ErrUpstream, err)).Str("target", addr).Msg("tunnel dial failed")
		return
	}
	defer upstream.Close()
	h.logger.Debug().Str("target", addr).Msg("tunnelling without interception")
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(upstream, client)
		if cw, ok := upstream.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		close(done)
	}()
	_, _ = io.Copy(client, upstream)
	_ = client.Close()
	<-done
}

// bufferedConn serves reads from a bufio.Reader that may already hold client bytes.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func writeStatus(w io.Writer, status int, msg string) {
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(msg)),
		ContentLength: int64(len(msg)),
		Close:         true,
	}
	_ = resp.Write(w)
}

// splitHostPortDefault splits an authority, defaulting the port when absent.
func splitHostPortDefault(authority, defPort string) (string, string) {
	if host, port, err := net.SplitHostPort(authority); err == nil {
		return host, port
	}
	return strings.Trim(authority, "[]"), defPort
}

// authorityFor omits the port when it is the scheme default.
func authorityFor(host, port, defPort string) string {
	if port == "" || port == defPort {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

func addrPort(a net.Addr) (netip.AddrPort, bool) {
	switch v := a.(type) {
	case *net.TCPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
	case nil:
		return netip.AddrPort{}, false
	default:
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	}
}
