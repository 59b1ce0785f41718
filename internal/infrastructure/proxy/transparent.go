package proxy

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// serveTransparent handles a connection the redirector steered here. There is
// no CONNECT authority, so the stream prefix decides between TLS and plain HTTP.
func (h *Handler) serveTransparent(ctx context.Context, conn net.Conn, orig netip.AddrPort) {
	br := bufio.NewReaderSize(conn, transparentBufferSize)
	_ = conn.SetReadDeadline(time.Now().Add(sniffTimeout))
	first, err := br.Peek(1)
	if err != nil {
		return
	}
	prefix := first
	if first[0] == recordTypeHandshake {
		prefix = peekClientHello(br)
	}
	_ = conn.SetReadDeadline(time.Time{})

	port := strconv.Itoa(int(orig.Port()))
	c := Classify(prefix, orig.Addr().String())
	h.logger.Debug().Str("original_dst", orig.String()).Str("kind", c.Kind.String()).Str("host", c.Host).Msg("transparent connection")

	switch c.Kind {
	case StreamTLS:
		tgt := target{scheme: "https", authority: authorityFor(c.Host, port, "443"), dialAddr: orig.String()}
		h.serveTLS(ctx, &bufferedConn{Conn: conn, r: br}, c.Host, tgt)
	default:
		tgt := target{scheme: "http", authority: authorityFor(orig.Addr().String(), port, "80"), dialAddr: orig.String(), preferHostHeader: true}
		h.serveRequests(ctx, conn, br, tgt)
	}
}
