package httpapi

import (
	"net/http"
	"net/url"
	"sort"
	"time"

	"netcapture/internal/domain"
	obs "netcapture/internal/infrastructure/observability"
)

// Minimal HAR 1.2 structs for export
type harLog struct {
	Version string     `json:"version"`
	Creator harName    `json:"creator"`
	Entries []harEntry `json:"entries"`
}

type harName struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harEntry struct {
	StartedDateTime time.Time   `json:"startedDateTime"`
	Time            int64       `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         harTimings  `json:"timings"`
}

type harNameValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harRequest struct {
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	HTTPVersion string         `json:"httpVersion"`
	Headers     []harNameValue `json:"headers"`
	QueryString []harNameValue `json:"queryString"`
	Cookies     []harNameValue `json:"cookies"`
	PostData    *harPostData   `json:"postData,omitempty"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int            `json:"bodySize"`
}

type harPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type harResponse struct {
	Status      int            `json:"status"`
	StatusText  string         `json:"statusText"`
	HTTPVersion string         `json:"httpVersion"`
	Headers     []harNameValue `json:"headers"`
	Cookies     []harNameValue `json:"cookies"`
	Content     harContent     `json:"content"`
	RedirectURL string         `json:"redirectURL"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int            `json:"bodySize"`
}

type harContent struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

type harTimings struct {
	Send    int64 `json:"send"`
	Wait    int64 `json:"wait"`
	Receive int64 `json:"receive"`
}

type harDocument struct {
	Log harLog `json:"log"`
}

func buildHAR(captures []domain.CapturedRequest) harDocument {
	entries := make([]harEntry, 0, len(captures))
	// HAR readers expect chronological order
	for i := len(captures) - 1; i >= 0; i-- {
		entries = append(entries, harEntryFor(captures[i]))
	}
	b := obs.Build()
	return harDocument{Log: harLog{Version: "1.2", Creator: harName{Name: b.Name, Version: b.Version}, Entries: entries}}
}

func harEntryFor(c domain.CapturedRequest) harEntry {
	e := harEntry{
		StartedDateTime: c.Timestamp,
		Request: harRequest{
			Method:      c.Method,
			URL:         c.URL,
			HTTPVersion: "HTTP/1.1",
			Headers:     harHeaders(c.Headers),
			QueryString: harQuery(c.URL),
			Cookies:     []harNameValue{},
			HeadersSize: -1,
			BodySize:    len(c.Body),
		},
		Response: harResponse{
			HTTPVersion: "HTTP/1.1",
			Headers:     []harNameValue{},
			Cookies:     []harNameValue{},
			HeadersSize: -1,
			BodySize:    -1,
		},
	}
	if c.BodyText != nil {
		e.Request.PostData = &harPostData{MimeType: c.Headers["content-type"], Text: *c.BodyText}
	}
	if c.DurationMs != nil {
		e.Time = *c.DurationMs
		e.Timings.Wait = *c.DurationMs
	}
	if resp := c.Response; resp != nil {
		e.Response.Status = resp.StatusCode
		e.Response.StatusText = resp.StatusText
		if e.Response.StatusText == "" {
			e.Response.StatusText = http.StatusText(resp.StatusCode)
		}
		e.Response.Headers = harHeaders(resp.Headers)
		e.Response.BodySize = resp.ContentLength
		e.Response.RedirectURL = resp.Headers["location"]
		e.Response.Content = harContent{Size: resp.ContentLength, MimeType: resp.ContentType}
		if resp.BodyText != nil {
			e.Response.Content.Text = *resp.BodyText
		}
	}
	return e
}

func harHeaders(h map[string]string) []harNameValue {
	out := make([]harNameValue, 0, len(h))
	for k, v := range h {
		out = append(out, harNameValue{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func harQuery(raw string) []harNameValue {
	out := []harNameValue{}
	u, err := url.Parse(raw)
	if err != nil {
		return out
	}
	for k, vs := range u.Query() {
		for _, v := range vs {
			out = append(out, harNameValue{Name: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
