package domain

import (
	"maps"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// CapturedRequest is one intercepted exchange. Response stays nil while the
// exchange is pending and is set exactly once by Complete.
type CapturedRequest struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Host       string            `json:"host"`
	Path       string            `json:"path"`
	Scheme     string            `json:"scheme"`
	Headers    map[string]string `json:"requestHeaders"`
	Body       []byte            `json:"requestBody,omitempty"`
	BodyText   *string           `json:"requestBodyText,omitempty"`
	Response   *CapturedResponse `json:"response,omitempty"`
	DurationMs *int64            `json:"durationMs,omitempty"`
}

// CapturedResponse is the upstream answer (or the synthesized 502) of an exchange.
type CapturedResponse struct {
	StatusCode    int               `json:"statusCode"`
	StatusText    string            `json:"statusText"`
	Headers       map[string]string `json:"headers"`
	Body          []byte            `json:"body,omitempty"`
	BodyText      *string           `json:"bodyText,omitempty"`
	ContentType   string            `json:"contentType,omitempty"`
	ContentLength int               `json:"contentLength"`
}

// NewCapturedRequest builds a pending capture. Body text is kept only when the
// body is valid UTF-8.
func NewCapturedRequest(id, method, url, host, path, scheme string, headers map[string]string, body []byte) CapturedRequest {
	r := CapturedRequest{
		ID:        id,
		Timestamp: time.Now().UTC(),
		Method:    method,
		URL:       url,
		Host:      host,
		Path:      path,
		Scheme:    scheme,
		Headers:   headers,
	}
	if len(body) > 0 {
		r.Body = body
		if utf8.Valid(body) {
			s := string(body)
			r.BodyText = &s
		}
	}
	return r
}

// Complete attaches the response and the measured duration. A second call is a no-op.
func (r *CapturedRequest) Complete(resp CapturedResponse, d time.Duration) {
	if r.Response != nil {
		return
	}
	r.Response = &resp
	ms := d.Milliseconds()
	r.DurationMs = &ms
}

// Pending reports whether no response has been attached yet.
func (r CapturedRequest) Pending() bool { return r.Response == nil }

// Clone returns a deep copy so store readers never share mutable state with writers.
func (r CapturedRequest) Clone() CapturedRequest {
	out := r
	out.Headers = maps.Clone(r.Headers)
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if r.DurationMs != nil {
		v := *r.DurationMs
		out.DurationMs = &v
	}
	if r.Response != nil {
		resp := *r.Response
		resp.Headers = maps.Clone(r.Response.Headers)
		if r.Response.Body != nil {
			resp.Body = append([]byte(nil), r.Response.Body...)
		}
		out.Response = &resp
	}
	return out
}

// NewCapturedResponse derives content type from headers and content length
// from the actual body. decodedText is the body after undoing any content
// encoding; it becomes BodyText only for textual content types.
func NewCapturedResponse(status int, headers map[string]string, body, decodedText []byte) CapturedResponse {
	resp := CapturedResponse{
		StatusCode:    status,
		StatusText:    http.StatusText(status),
		Headers:       headers,
		ContentType:   headers["content-type"],
		ContentLength: len(body),
	}
	if len(body) > 0 {
		resp.Body = body
	}
	if IsTextualContentType(resp.ContentType) {
		if decodedText == nil {
			decodedText = body
		}
		s := strings.ToValidUTF8(string(decodedText), "�")
		resp.BodyText = &s
	}
	return resp
}

// IsTextualContentType is true for text, json, xml and html media types.
func IsTextualContentType(ct string) bool {
	ct = strings.ToLower(ct)
	for _, marker := range []string{"text", "json", "xml", "html"} {
		if strings.Contains(ct, marker) {
			return true
		}
	}
	return false
}

// FlattenHeaders converts an http.Header into a lowercase single-valued map;
// repeated values are joined with ", ".
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		out[strings.ToLower(k)] = strings.Join(vv, ", ")
	}
	return out
}
