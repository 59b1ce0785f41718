package domain

import (
	"slices"
	"strings"
)

// FilterCriteria holds optional predicates combined with AND. Zero values are no-ops.
type FilterCriteria struct {
	URLPattern  string   `json:"urlPattern,omitempty"`
	Methods     []string `json:"methods,omitempty"`
	StatusCodes []int    `json:"statusCodes,omitempty"`
	ContentType string   `json:"contentType,omitempty"`
	SearchText  string   `json:"searchText,omitempty"`
}

// Empty reports whether no predicate is set.
func (f FilterCriteria) Empty() bool {
	return f.URLPattern == "" && len(f.Methods) == 0 && len(f.StatusCodes) == 0 &&
		f.ContentType == "" && f.SearchText == ""
}

// Matches evaluates every predicate against r.
func (f FilterCriteria) Matches(r CapturedRequest) bool {
	if f.URLPattern != "" && !containsFold(r.URL, f.URLPattern) {
		return false
	}
	if len(f.Methods) > 0 && !slices.ContainsFunc(f.Methods, func(m string) bool { return strings.EqualFold(m, r.Method) }) {
		return false
	}
	if len(f.StatusCodes) > 0 {
		// pending entries never satisfy a status filter
		if r.Response == nil || !slices.Contains(f.StatusCodes, r.Response.StatusCode) {
			return false
		}
	}
	if f.ContentType != "" {
		if r.Response == nil || r.Response.ContentType == "" || !containsFold(r.Response.ContentType, f.ContentType) {
			return false
		}
	}
	if f.SearchText != "" {
		if containsFold(r.URL, f.SearchText) {
			return true
		}
		if r.BodyText != nil && containsFold(*r.BodyText, f.SearchText) {
			return true
		}
		if r.Response != nil && r.Response.BodyText != nil && containsFold(*r.Response.BodyText, f.SearchText) {
			return true
		}
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
