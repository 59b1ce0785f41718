package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/http2"
)

// UpstreamOptions configures the client used to re-issue intercepted requests.
type UpstreamOptions struct {
	Timeout     time.Duration
	InsecureTLS bool
}

type dialOverrideKey struct{}

// withDialOverride makes the upstream transport connect to addr whatever the URL host is.
// The transparent path uses it to reach the original destination while keeping SNI and Host.
func withDialOverride(ctx context.Context, addr string) context.Context {
	if addr == "" {
		return ctx
	}
	return context.WithValue(ctx, dialOverrideKey{}, addr)
}

// newTransport centralizes http.Transport creation with TLS options/timeouts.
func newTransport(opts UpstreamOptions) *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		// never chain through an environment proxy: this process usually is the system proxy
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if override, ok := ctx.Value(dialOverrideKey{}).(string); ok {
				addr = override
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}
	if opts.InsecureTLS {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	// Enable HTTP/2 for outbound HTTPS where possible. Safe to ignore error and fall back to HTTP/1.1
	_ = http2.ConfigureTransport(tr)
	return tr
}

func newUpstreamClient(opts UpstreamOptions) *http.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &http.Client{
		Transport: newTransport(opts),
		Timeout:   opts.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// hopHeaders are removed before a request is re-issued and before a response is relayed.
var hopHeaders = []string{"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade"}

func removeHopHeaders(h http.Header) {
	// headers named in Connection are hop-by-hop too
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

const maxDecodedBody = 1 << 20

// decodeBody undoes a gzip, deflate or br content encoding for body text.
// It returns nil when the body is not encoded or cannot be decoded.
func decodeBody(b []byte, encoding string) []byte {
	if len(b) == 0 {
		return nil
	}
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil
		}
		defer zr.Close()
		r = zr
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(b))
		defer fr.Close()
		r = fr
	case "br":
		r = brotli.NewReader(bytes.NewReader(b))
	default:
		return nil
	}
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedBody))
	if err != nil {
		return nil
	}
	return out
}
