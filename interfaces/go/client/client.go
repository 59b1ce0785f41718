package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"netcapture/internal/domain"
)

// Client talks to the NetCapture control API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: http.DefaultClient}
}

// APIError is the decoded error envelope of a non-2xx response.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("netcapture: %d %s: %s", e.Status, e.Code, e.Message)
}

type Redirector struct {
	domain.RedirectorStatus
	PIDs      []uint32 `json:"pids"`
	LastError string   `json:"lastError,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var env struct {
			Error APIError `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		env.Error.Status = resp.StatusCode
		return &env.Error
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		*raw, err = io.ReadAll(resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) ProxyStatus(ctx context.Context) (domain.ProxyStatus, error) {
	var st domain.ProxyStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/proxy", nil, &st)
	return st, err
}

// StartProxy starts the proxy; port 0 uses the server default.
func (c *Client) StartProxy(ctx context.Context, port int) (domain.ProxyStatus, error) {
	var st domain.ProxyStatus
	err := c.do(ctx, http.MethodPost, "/api/v1/proxy/start", map[string]int{"port": port}, &st)
	return st, err
}

func (c *Client) StopProxy(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/proxy/stop", nil, nil)
}

func filterQuery(f domain.FilterCriteria) string {
	q := url.Values{}
	if f.URLPattern != "" {
		q.Set("url", f.URLPattern)
	}
	if len(f.Methods) > 0 {
		q.Set("method", strings.Join(f.Methods, ","))
	}
	if len(f.StatusCodes) > 0 {
		codes := make([]string, len(f.StatusCodes))
		for i, s := range f.StatusCodes {
			codes[i] = strconv.Itoa(s)
		}
		q.Set("status", strings.Join(codes, ","))
	}
	if f.ContentType != "" {
		q.Set("contentType", f.ContentType)
	}
	if f.SearchText != "" {
		q.Set("q", f.SearchText)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListCaptures returns matching captures, newest first.
func (c *Client) ListCaptures(ctx context.Context, f domain.FilterCriteria) ([]domain.CapturedRequest, error) {
	var out struct {
		Items []domain.CapturedRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/captures"+filterQuery(f), nil, &out)
	return out.Items, err
}

func (c *Client) GetCapture(ctx context.Context, id string) (domain.CapturedRequest, error) {
	var r domain.CapturedRequest
	err := c.do(ctx, http.MethodGet, "/api/v1/captures/"+url.PathEscape(id), nil, &r)
	return r, err
}

func (c *Client) ClearCaptures(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/captures", nil, nil)
}

// ExportHAR returns the raw HAR document for the matching captures.
func (c *Client) ExportHAR(ctx context.Context, f domain.FilterCriteria) ([]byte, error) {
	var raw []byte
	err := c.do(ctx, http.MethodGet, "/api/v1/captures/har"+filterQuery(f), nil, &raw)
	return raw, err
}

// Archive pages through persisted captures and returns the archive total.
func (c *Client) Archive(ctx context.Context, limit, offset int) ([]domain.CapturedRequest, int, error) {
	var out struct {
		Items []domain.CapturedRequest `json:"items"`
		Total int                      `json:"total"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/archive?limit=%d&offset=%d", limit, offset), nil, &out)
	return out.Items, out.Total, err
}

func (c *Client) CAInfo(ctx context.Context) (domain.CaInfo, error) {
	var info domain.CaInfo
	err := c.do(ctx, http.MethodGet, "/api/v1/ca", nil, &info)
	return info, err
}

// CACertificate downloads the root certificate PEM.
func (c *Client) CACertificate(ctx context.Context) ([]byte, error) {
	var raw []byte
	err := c.do(ctx, http.MethodGet, "/api/v1/ca/cert", nil, &raw)
	return raw, err
}

func (c *Client) RedirectorStatus(ctx context.Context) (Redirector, error) {
	var r Redirector
	err := c.do(ctx, http.MethodGet, "/api/v1/redirector", nil, &r)
	return r, err
}

func (c *Client) StartRedirector(ctx context.Context) (Redirector, error) {
	var r Redirector
	err := c.do(ctx, http.MethodPost, "/api/v1/redirector/start", nil, &r)
	return r, err
}

func (c *Client) StopRedirector(ctx context.Context) (Redirector, error) {
	var r Redirector
	err := c.do(ctx, http.MethodPost, "/api/v1/redirector/stop", nil, &r)
	return r, err
}

// SetPIDs replaces the monitored process set and returns it sorted.
func (c *Client) SetPIDs(ctx context.Context, pids []uint32) ([]uint32, error) {
	var out struct {
		PIDs []uint32 `json:"pids"`
	}
	err := c.do(ctx, http.MethodPut, "/api/v1/redirector/pids", map[string][]uint32{"pids": pids}, &out)
	return out.PIDs, err
}
