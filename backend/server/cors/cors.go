// Package cors enforces the single trusted origin allowed to reach the relay
// with credentials.
package cors

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	allowMethods = "GET, POST, DELETE, OPTIONS"
	allowHeaders = "Origin, Content-Type, Accept, Authorization"
	maxAge       = "86400"
)

type Policy struct {
	origin   string
	allowAll bool
}

// NewPolicy builds a policy for the given origin, "*" allows any origin.
// An invalid origin yields a policy that only admits requests without Origin.
func NewPolicy(origin string) *Policy {
	origin = strings.TrimSpace(origin)
	if origin == "*" {
		return &Policy{allowAll: true}
	}
	normalized, _ := Normalize(origin)
	return &Policy{origin: normalized}
}

func (p *Policy) Origin() string {
	return p.origin
}

// Allowed reports whether r may proceed. Requests without Origin come from
// non-browser clients and are admitted.
func (p *Policy) Allowed(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || p.allowAll {
		return true
	}
	normalized, ok := Normalize(header)
	return ok && p.origin != "" && normalized == p.origin
}

// SetHeaders writes CORS response headers for an allowed request.
func (p *Policy) SetHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !p.Allowed(r) {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Add("Vary", "Origin")
}

// Preflight answers OPTIONS requests.
func (p *Policy) Preflight(w http.ResponseWriter, r *http.Request) {
	if !p.Allowed(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	p.SetHeaders(w, r)
	w.Header().Set("Access-Control-Allow-Methods", allowMethods)
	w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
	w.Header().Set("Access-Control-Max-Age", maxAge)
	w.WriteHeader(http.StatusNoContent)
}

// Normalize reduces an origin to lowercase scheme://host.
func Normalize(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
