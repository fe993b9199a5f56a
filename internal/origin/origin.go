// Package origin validates browser Origin headers for the relay's HTTP and
// WebSocket surfaces.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header and returns it in canonical
// scheme://host[:port] form, with default ports stripped.
//
// The special Origin value "null" is allowed and returned as-is.
func Normalize(header string) (normalized string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host, ok := canonicalHost(u.Host, scheme)
	if !ok {
		return "", false
	}
	return scheme + "://" + host, true
}

// Allowed reports whether a normalized origin may access the relay.
//
// Entries in allowedOrigins must be "*" or normalized origins as produced by
// Normalize. An empty allowlist permits only same-host requests, compared
// against the request's Host header with default ports treated as equal.
// Scheme is deliberately not compared for same-host requests: the relay may
// sit behind a TLS-terminating proxy and see HTTP while the browser sent an
// HTTPS origin.
func Allowed(normalized, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}

	var scheme, originHost string
	switch {
	case strings.HasPrefix(normalized, "http://"):
		scheme, originHost = "http", strings.TrimPrefix(normalized, "http://")
	case strings.HasPrefix(normalized, "https://"):
		scheme, originHost = "https", strings.TrimPrefix(normalized, "https://")
	default:
		// "null" cannot match a host-based request.
		return false
	}

	reqHost, ok := canonicalHost(strings.ToLower(strings.TrimSpace(requestHost)), scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// canonicalHost lowercases an authority host[:port], validates the port, and
// drops it when it is the default for scheme. IPv6 literals keep brackets.
func canonicalHost(rawHost, scheme string) (string, bool) {
	if rawHost == "" {
		return "", false
	}

	hostname := rawHost
	rawPort := ""
	if h, p, err := net.SplitHostPort(rawHost); err == nil {
		hostname, rawPort = h, p
	} else if strings.HasPrefix(rawHost, "[") {
		if !strings.HasSuffix(rawHost, "]") {
			return "", false
		}
		hostname = rawHost[1 : len(rawHost)-1]
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
