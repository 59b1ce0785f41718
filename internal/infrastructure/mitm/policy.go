package mitm

import (
	"net"
	"strings"
)

// Policy decides which hosts get TLS-terminated; the rest are tunnelled blind.
type Policy struct {
	AllowSuffix []string
	DenySuffix  []string
}

// ShouldIntercept applies the deny list first, then the allow list (empty allows all).
func (p Policy) ShouldIntercept(host string) bool {
	h := host
	if h == "" {
		return false
	}
	if strings.Contains(h, ":") {
		if v, _, err := net.SplitHostPort(h); err == nil {
			h = v
		}
	}
	lh := strings.ToLower(h)
	for _, d := range p.DenySuffix {
		if matchSuffix(lh, d) {
			return false
		}
	}
	if len(p.AllowSuffix) == 0 {
		return true
	}
	for _, a := range p.AllowSuffix {
		if matchSuffix(lh, a) {
			return true
		}
	}
	return false
}

func matchSuffix(host, suffix string) bool {
	s := strings.ToLower(strings.TrimSpace(suffix))
	return s != "" && (host == s || strings.HasSuffix(host, s))
}
