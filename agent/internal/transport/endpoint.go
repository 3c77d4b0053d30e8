package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidEndpoint is returned for empty or unparseable endpoints.
var ErrInvalidEndpoint = errors.New("transport: invalid endpoint")

// Endpoint is a parsed collector address.
type Endpoint struct {
	// Addr is host:port, ready for dialing.
	Addr string
	TLS  bool
}

func (e Endpoint) String() string {
	if e.TLS {
		return "https://" + e.Addr
	}
	return "http://" + e.Addr
}

// ParseEndpoint validates raw and resolves its scheme and port.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, raw, err)
		}
		var tls bool
		var port string
		switch strings.ToLower(u.Scheme) {
		case "https":
			tls, port = true, "443"
		case "http":
			port = "80"
		default:
			return Endpoint{}, fmt.Errorf("%w: %q: unsupported scheme %q", ErrInvalidEndpoint, raw, u.Scheme)
		}
		if p := u.Port(); p != "" {
			port = p
		}
		return build(raw, u.Hostname(), port, tls)
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		// Bare host without a port.
		if strings.ContainsAny(raw, ":/ ") {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, raw, err)
		}
		host, port = raw, "80"
	}
	return build(raw, host, port, false)
}

func build(raw, host, port string, tls bool) (Endpoint, error) {
	if host == "" || strings.ContainsAny(host, " /?#@") {
		return Endpoint{}, fmt.Errorf("%w: %q: bad host", ErrInvalidEndpoint, raw)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return Endpoint{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidEndpoint, raw, port)
	}
	return Endpoint{Addr: net.JoinHostPort(host, port), TLS: tls}, nil
}
