package domain

import (
	"fmt"
	"net"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// NormalizeHost converts a raw host, domain or URL as a user would type it
// into the form resolvers hash: lowercase ASCII, no port, no trailing dot.
func NormalizeHost(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty host")
	}

	// Drop scheme and path when a full URL is given.
	if i := strings.Index(raw, "://"); i != -1 {
		raw = raw[i+3:]
	}
	if slash := strings.IndexAny(raw, "/?#"); slash != -1 {
		raw = raw[:slash]
	}

	return normalizeHost(raw)
}

func normalizeHost(hostport string) (string, error) {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return "", fmt.Errorf("empty host")
	}

	// Strip userinfo if present: user:pass@host
	if at := strings.LastIndexByte(hostport, '@'); at != -1 {
		hostport = hostport[at+1:]
	}

	host := hostport

	// Best-effort host:port split. Works for both IPv4 and IPv6 with brackets.
	if strings.Contains(hostport, ":") {
		if h, _, err := net.SplitHostPort(hostport); err == nil {
			host = h
		}
	}

	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(host, ".")

	// IPv6 literals come wrapped in brackets: "[2001:db8::1]".
	if len(host) > 2 && host[0] == '[' && host[len(host)-1] == ']' {
		host = host[1 : len(host)-1]
	}

	if host == "" {
		return "", fmt.Errorf("empty host")
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}

	if isASCII(host) {
		return strings.ToLower(host), nil
	}

	asciiHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("idna: %w", err)
	}
	return strings.ToLower(asciiHost), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
