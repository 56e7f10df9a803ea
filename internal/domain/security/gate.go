// Package security implements the per-request bearer-token and IP allowlist
// check applied to every MCP request before dispatch.
package security

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/mcprepl/mcprepl/internal/config"
)

// RejectReason classifies why a request was refused.
type RejectReason int

const (
	// RejectNone means the request passed.
	RejectNone RejectReason = iota
	// RejectToken means the bearer token was missing or wrong (HTTP 401).
	RejectToken
	// RejectIP means the client IP is not allowed (HTTP 403).
	RejectIP
)

// Result is the outcome of a gate check.
type Result struct {
	OK     bool
	Reason RejectReason
	// Detail is a short operator-facing explanation; never echoes the token.
	Detail string
}

// Gate validates requests against a loaded SecurityConfig. Stateless.
type Gate struct {
	cfg *config.SecurityConfig
}

// NewGate creates a gate for the given config.
func NewGate(cfg *config.SecurityConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Check applies the mode-specific token and IP rules to the request.
//
//	lax:     loopback clients only, no token required.
//	relaxed: valid token required, any client IP.
//	strict:  valid token AND allowlisted client IP.
func (g *Gate) Check(r *http.Request) Result {
	ip := ClientIP(r)

	switch g.cfg.Mode {
	case config.ModeLax:
		if !isLoopback(ip) {
			return Result{Reason: RejectIP, Detail: "lax mode accepts loopback clients only"}
		}
		return Result{OK: true}

	case config.ModeRelaxed:
		if !g.tokenValid(r) {
			return Result{Reason: RejectToken, Detail: "missing or invalid bearer token"}
		}
		return Result{OK: true}

	case config.ModeStrict:
		if !g.tokenValid(r) {
			return Result{Reason: RejectToken, Detail: "missing or invalid bearer token"}
		}
		if !g.ipAllowed(ip) {
			return Result{Reason: RejectIP, Detail: "client IP not in allowlist"}
		}
		return Result{OK: true}

	default:
		// Unknown mode: fail closed on the token check.
		return Result{Reason: RejectToken, Detail: "unknown security mode"}
	}
}

// tokenValid compares the Authorization bearer token against the configured
// API keys in constant time.
func (g *Gate) tokenValid(r *http.Request) bool {
	token := BearerToken(r)
	if token == "" {
		return false
	}
	for _, key := range g.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// ipAllowed reports whether ip matches the allowlist. Loopback is always
// allowed; entries may be exact IPs or CIDR blocks.
func (g *Gate) ipAllowed(ip string) bool {
	if isLoopback(ip) {
		return true
	}
	parsed := net.ParseIP(ip)
	for _, allowed := range g.cfg.AllowedIPs {
		if allowed == ip {
			return true
		}
		if parsed != nil && strings.Contains(allowed, "/") {
			if _, cidr, err := net.ParseCIDR(allowed); err == nil && cidr.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

// BearerToken extracts the Authorization credential, stripping an optional
// case-insensitive "Bearer " prefix.
func BearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return ""
	}
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return auth
}

// ClientIP returns the effective client address: the first hop of
// X-Forwarded-For when present, else the connection's remote host,
// else loopback.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "127.0.0.1"
	}
	return host
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback()
}
