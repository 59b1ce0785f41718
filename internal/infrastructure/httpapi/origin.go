package httpapi

import (
	"net/http"
	"net/url"
	"strings"
)

// originAllowed accepts requests without an Origin (non-browser clients), from
// the API's own host, and from the configured origins ("*" allows any).
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// guardWrites refuses state-changing requests a foreign page could send
// without a preflight, such as a form POST to /proxy/start.
func guardWrites(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
			default:
				if !originAllowed(r, allowed) {
					writeError(w, http.StatusForbidden, "FORBIDDEN_ORIGIN", "origin not allowed", map[string]any{"origin": r.Header.Get("Origin")})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
