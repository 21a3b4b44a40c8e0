// Package origin decides which browser origins may open the observer event
// stream. Requests without an Origin header come from non-browser clients and
// are always accepted.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Policy is an Origin allowlist. An empty allowlist means same-host only.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy normalizes allowed. Entries must be "*", "null" or an origin of
// the form scheme://host[:port].
func NewPolicy(allowed []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, raw := range allowed {
		raw = strings.TrimSpace(raw)
		switch raw {
		case "":
			continue
		case "*":
			p.any = true
			continue
		}
		normalized, _, ok := Normalize(raw)
		if !ok {
			return nil, fmt.Errorf("invalid allowed origin %q", raw)
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, nil
}

// Check is suitable as a websocket.Upgrader CheckOrigin func.
func (p *Policy) Check(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}
	normalized, authority, ok := Normalize(header)
	if !ok {
		return false
	}
	if p != nil && (p.any || len(p.allowed) > 0) {
		if p.any {
			return true
		}
		_, ok := p.allowed[normalized]
		return ok
	}

	// Same host:port. The scheme is ignored since a TLS-terminating proxy may
	// sit in front of the tunnel.
	if normalized == "null" {
		return false
	}
	scheme := normalized[:strings.Index(normalized, "://")]
	requestAuthority, ok := normalizeAuthority(r.Host, scheme)
	return ok && requestAuthority == authority
}

// Normalize validates a browser Origin header and returns the normalized
// origin plus its host[:port] part. Default ports are dropped. The literal
// "null" is returned unchanged with an empty authority.
func Normalize(header string) (normalized string, authority string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	authority, ok = normalizeAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + authority, authority, true
}

func normalizeAuthority(raw, scheme string) (string, bool) {
	hostname, rawPort, ok := splitHostPort(strings.TrimSpace(raw))
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 literals must be bracketed and are
// returned without brackets.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}
	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := raw[1:end], raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ := strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
