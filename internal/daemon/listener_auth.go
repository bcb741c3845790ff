package daemon

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// ListenerAuth guards one fleetd listener with a shared bearer token and an
// optional source allowlist. Owner and agent identity headers are trusted
// only on requests that pass it.
type ListenerAuth struct {
	listener string
	token    []byte
	allow    []netip.Prefix
	metrics  *Metrics
}

// NewListenerAuth builds the guard for listener ("control" or "agent").
func NewListenerAuth(listener, token string, allowCIDRs []string) (*ListenerAuth, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New(listener + " listener token is required")
	}
	allow, err := parsePrefixes(allowCIDRs)
	if err != nil {
		return nil, fmt.Errorf("%s listener allowlist: %w", listener, err)
	}
	return &ListenerAuth{listener: listener, token: []byte(token), allow: allow}, nil
}

// WithMetrics counts rejected requests under the listener label.
func (a *ListenerAuth) WithMetrics(metrics *Metrics) *ListenerAuth {
	if a != nil {
		a.metrics = metrics
	}
	return a
}

// Wrap requires the token on every /v1 route. /healthz stays open for probes.
func (a *ListenerAuth) Wrap(next http.Handler) http.Handler {
	if a == nil || next == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path != "/v1" && !strings.HasPrefix(path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		if !a.sourceAllowed(r.RemoteAddr) {
			a.reject("remote_address")
			writeError(w, http.StatusForbidden, "remote address not allowed")
			return
		}
		presented := bearerToken(r.Header.Get("Authorization"))
		if presented == "" {
			a.reject("missing_token")
			w.Header().Set("WWW-Authenticate", `Bearer realm="fleetd-`+a.listener+`"`)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), a.token) != 1 {
			a.reject("invalid_token")
			w.Header().Set("WWW-Authenticate", `Bearer realm="fleetd-`+a.listener+`"`)
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *ListenerAuth) reject(reason string) {
	a.metrics.IncAuthRejected(a.listener, reason)
}

func (a *ListenerAuth) sourceAllowed(remoteAddr string) bool {
	if len(a.allow) == 0 {
		return true
	}
	addr, ok := remoteAddrIP(remoteAddr)
	if !ok {
		return false
	}
	for _, prefix := range a.allow {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// remoteAddrIP extracts the client address from an http.Request RemoteAddr,
// dropping any zone and IPv4-in-IPv6 mapping.
func remoteAddrIP(remoteAddr string) (netip.Addr, bool) {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr().WithZone("").Unmap(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(remoteAddr, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}

func parsePrefixes(values []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return nil, err
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}
