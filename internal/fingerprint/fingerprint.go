// Package fingerprint derives a stable per-client identity from a request,
// used by every analyzer and the protect middleware as the DataStore key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Config controls fingerprint extraction precedence: header, then cookie,
// then hashed IP+UA. CollectIP/CollectUA gate whether those two components
// are folded into the hash at all.
type Config struct {
	HeaderName string `yaml:"header_name"`
	CookieName string `yaml:"cookie_name"`
	CollectIP  bool   `yaml:"collect_ip"`
	CollectUA  bool   `yaml:"collect_ua"`
}

// DefaultConfig matches a conservative out-of-the-box setup: no header or
// cookie override, both IP and UA folded into the hash.
func DefaultConfig() Config {
	return Config{CollectIP: true, CollectUA: true}
}

// Source is the minimal view of an inbound request the extractor needs.
// FromRequest adapts an *http.Request to it; tests can supply a lighter
// stand-in.
type Source interface {
	Header() http.Header
	Cookie(name string) (string, bool)
	RemoteIP() string
}

// requestSource adapts *http.Request to Source.
type requestSource struct {
	r *http.Request
}

// FromRequest wraps an *http.Request as a fingerprint Source.
func FromRequest(r *http.Request) Source {
	return requestSource{r: r}
}

func (s requestSource) Header() http.Header { return s.r.Header }

func (s requestSource) Cookie(name string) (string, bool) {
	c, err := s.r.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

// RemoteIP strips the ephemeral client port net/http leaves in RemoteAddr
// ("IP:port"), so a reconnecting client (new TCP connection, new port)
// still hashes to the same fingerprint.
func (s requestSource) RemoteIP() string {
	host := s.r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

// Extract computes the fingerprint for req under cfg. The zero value ("", false)
// is returned when no header, cookie, or enabled feature yields any material —
// callers must treat that as "absent" and analyzers depending on it short-circuit
// to 0.0 rather than ever constructing a fingerprint from nothing.
func Extract(req Source, cfg Config) (string, bool) {
	if cfg.HeaderName != "" {
		if v := req.Header().Get(cfg.HeaderName); v != "" {
			return v, true
		}
	}
	if cfg.CookieName != "" {
		if v, ok := req.Cookie(cfg.CookieName); ok && v != "" {
			return v, true
		}
	}

	var canonical string
	if cfg.CollectIP {
		canonical += req.RemoteIP()
	}
	if cfg.CollectUA {
		if canonical != "" {
			canonical += "|"
		}
		canonical += req.Header().Get("User-Agent")
	}
	if canonical == "" {
		return "", false
	}

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), true
}
