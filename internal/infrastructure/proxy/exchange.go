package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"netcapture/internal/domain"
	"netcapture/pkg/shared/id"
)

// exchange buffers one request, re-issues it upstream, relays the response to w
// and publishes the capture. It reports whether the client connection may be reused.
func (h *Handler) exchange(ctx context.Context, w io.Writer, req *http.Request, u *url.URL, dialAddr string, start time.Time) bool {
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		h.metrics.ProxyErrorsTotal.WithLabelValues("parse").Inc()
		h.logger.Debug().Err(fmt.Errorf("%w: read request body: %w", domain.ErrParse, err)).Str("url", u.String()).Msg("request body unreadable")
		writeStatus(w, http.StatusBadRequest, "Bad Request")
		return false
	}

	headers := domain.FlattenHeaders(req.Header)
	if req.Host != "" {
		headers["host"] = req.Host
	}
	capture := domain.NewCapturedRequest(id.New(), req.Method, u.String(), u.Hostname(), u.RequestURI(), u.Scheme, headers, body)
	keepAlive := !req.Close

	resp, respBody, err := h.forward(ctx, req, u, body, dialAddr)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrUpstream, err)
		h.metrics.ProxyErrorsTotal.WithLabelValues("upstream").Inc()
		h.logger.Warn().Err(err).Str("method", req.Method).Str("url", capture.URL).Msg("upstream request failed")

		msg := err.Error()
		capture.Complete(domain.NewCapturedResponse(http.StatusBadGateway,
			map[string]string{"content-type": "text/plain; charset=utf-8"}, []byte(msg), nil), time.Since(start))
		h.publish(ctx, capture)
		errBody := []byte("Proxy Error: " + msg)
		return writeResponse(w, req, http.StatusBadGateway, "",
			http.Header{"Content-Type": {"text/plain; charset=utf-8"}}, errBody, int64(len(errBody)), !keepAlive) == nil && keepAlive
	}
	duration := time.Since(start)

	respHeaders := domain.FlattenHeaders(resp.Header)
	decoded := decodeBody(respBody, resp.Header.Get("Content-Encoding"))
	capture.Complete(domain.NewCapturedResponse(resp.StatusCode, respHeaders, respBody, decoded), duration)
	h.publish(ctx, capture)

	relay := resp.Header.Clone()
	removeHopHeaders(relay)
	relay.Del("Content-Length")
	length := int64(len(respBody))
	if req.Method == http.MethodHead && resp.ContentLength > 0 {
		// HEAD carries the length of the body a GET would return
		length = resp.ContentLength
	}
	if err := writeResponse(w, req, resp.StatusCode, resp.Status, relay, respBody, length, !keepAlive); err != nil {
		h.logger.Debug().Err(err).Str("url", capture.URL).Msg("client write failed")
		return false
	}
	return keepAlive
}

// forward re-issues req to u with a fully buffered body and reads the whole response.
func (h *Handler) forward(ctx context.Context, req *http.Request, u *url.URL, body []byte, dialAddr string) (*http.Response, []byte, error) {
	out, err := http.NewRequestWithContext(withDialOverride(ctx, dialAddr), req.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	out.Header = req.Header.Clone()
	removeHopHeaders(out.Header)
	out.Header.Del("Host")
	out.Header.Del("Content-Length")
	if _, ok := out.Header["User-Agent"]; !ok {
		// keep Go's client from adding its own
		out.Header["User-Agent"] = nil
	}

	resp, err := h.client.Do(out)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read upstream body: %w", err)
	}
	return resp, respBody, nil
}

func (h *Handler) publish(ctx context.Context, r domain.CapturedRequest) {
	if h.sink == nil {
		return
	}
	if h.sink.Publish(ctx, r) {
		h.metrics.CapturesTotal.WithLabelValues(r.Scheme).Inc()
	}
}

// writeResponse relays a fully buffered response with an exact Content-Length.
func writeResponse(w io.Writer, req *http.Request, status int, statusLine string, header http.Header, body []byte, length int64, closeConn bool) error {
	resp := &http.Response{
		Status:        statusLine,
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: length,
		Close:         closeConn,
		Request:       req,
	}
	bw := bufio.NewWriter(w)
	if err := resp.Write(bw); err != nil {
		return err
	}
	return bw.Flush()
}
