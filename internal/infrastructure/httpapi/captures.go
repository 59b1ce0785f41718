package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"netcapture/internal/domain"
	"netcapture/pkg/shared/redact"
)

type captureList struct {
	Items []domain.CapturedRequest `json:"items"`
	Total int                      `json:"total"`
}

// parseFilter reads url, method (csv), status (csv), contentType and q.
func parseFilter(q url.Values) (domain.FilterCriteria, error) {
	f := domain.FilterCriteria{
		URLPattern:  q.Get("url"),
		Methods:     splitCSV(q.Get("method")),
		ContentType: q.Get("contentType"),
		SearchText:  q.Get("q"),
	}
	for _, s := range splitCSV(q.Get("status")) {
		code, err := strconv.Atoi(s)
		if err != nil || code < 100 || code > 999 {
			return domain.FilterCriteria{}, fmt.Errorf("invalid status code %q", s)
		}
		f.StatusCodes = append(f.StatusCodes, code)
	}
	return f, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// redactCapture masks credential headers and token fields of JSON bodies on a copy of c.
func redactCapture(c domain.CapturedRequest) domain.CapturedRequest {
	c.Body, c.BodyText = redactBody(c.Headers["content-type"], c.Body, c.BodyText)
	c.Headers = redact.Headers(c.Headers)
	if c.Response != nil {
		resp := *c.Response
		resp.Headers = redact.Headers(resp.Headers)
		resp.Body, resp.BodyText = redactBody(resp.ContentType, resp.Body, resp.BodyText)
		c.Response = &resp
	}
	return c
}

func redactBody(contentType string, body []byte, text *string) ([]byte, *string) {
	if text == nil || !strings.Contains(strings.ToLower(contentType), "json") {
		return body, text
	}
	masked := redact.JSON(*text)
	if masked == *text {
		return body, text
	}
	return []byte(masked), &masked
}

func (d *Deps) present(items []domain.CapturedRequest) []domain.CapturedRequest {
	if d.Cfg.ExposeSensitiveHeaders {
		return items
	}
	out := make([]domain.CapturedRequest, len(items))
	for i, c := range items {
		out[i] = redactCapture(c)
	}
	return out
}

func (d *Deps) filteredCaptures(w http.ResponseWriter, r *http.Request) ([]domain.CapturedRequest, bool) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_FILTER", err.Error(), nil)
		return nil, false
	}
	items, err := d.Svc.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	return d.present(items), true
}

func (d *Deps) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	items, ok := d.filteredCaptures(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, captureList{Items: items, Total: len(items)})
}

func (d *Deps) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	c, err := d.Svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.present([]domain.CapturedRequest{c})[0])
}

func (d *Deps) handleClearCaptures(w http.ResponseWriter, r *http.Request) {
	if err := d.Svc.Clear(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Deps) handleExportHAR(w http.ResponseWriter, r *http.Request) {
	items, ok := d.filteredCaptures(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=netcapture.har")
	writeJSON(w, http.StatusOK, buildHAR(items))
}

func (d *Deps) handleArchive(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	items, total, err := d.Svc.Archive(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, captureList{Items: d.present(items), Total: total})
}
