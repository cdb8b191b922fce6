// Package origin builds and checks the network-origin allow-list bound to
// each module execution context. Every inbound envelope is checked against
// this list before any kind-specific processing; a failed check is a
// silent drop so probes learn nothing.
package origin

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Common errors
var (
	ErrUnparseableSource = errors.New("module source URL does not parse")
	ErrUnsupportedScheme = errors.New("module source URL scheme not supported")
)

// AllowList is the set of origins trusted for one execution context.
// Matching is exact: scheme, host, and port must all agree.
type AllowList struct {
	origins       map[string]struct{}
	allowLoopback bool
}

// Config configures allow-list construction.
type Config struct {
	// TrustedOrigins are distribution origins accepted for every module,
	// e.g. the platform's module CDN.
	TrustedOrigins []string

	// AllowLoopback additionally accepts local-loopback origins. Only set
	// in non-production diagnostic modes.
	AllowLoopback bool
}

// Derive builds the allow-list for a module from its declared source URL.
// An unparseable source URL is a hard failure: the module cannot mount.
func Derive(sourceURL string, cfg Config) (*AllowList, error) {
	src, err := normalize(sourceURL)
	if err != nil {
		return nil, err
	}

	al := &AllowList{origins: make(map[string]struct{})}
	al.origins[src] = struct{}{}

	for _, t := range cfg.TrustedOrigins {
		o, err := normalize(t)
		if err != nil {
			return nil, fmt.Errorf("trusted origin %q: %w", t, err)
		}
		al.origins[o] = struct{}{}
	}

	if cfg.AllowLoopback {
		al.allowLoopback = true
	}

	return al, nil
}

// Allows reports whether an inbound channel origin is trusted for this
// context. Origins that do not parse are never trusted.
func (a *AllowList) Allows(origin string) bool {
	if a == nil {
		return false
	}
	o, err := normalize(origin)
	if err != nil {
		return false
	}
	if _, ok := a.origins[o]; ok {
		return true
	}
	if a.allowLoopback && isLoopback(o) {
		return true
	}
	return false
}

// Origins returns the explicit allow-list entries for logs.
func (a *AllowList) Origins() []string {
	out := make([]string, 0, len(a.origins))
	for o := range a.origins {
		out = append(out, o)
	}
	return out
}

// Of returns the normalized origin of a URL: scheme://host[:port],
// lowercased, default ports stripped.
func Of(raw string) (string, error) {
	return normalize(raw)
}

// normalize reduces a URL to its origin: scheme://host[:port], lowercased,
// default ports stripped.
func normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnparseableSource, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrUnparseableSource, raw)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case port == "":
	case scheme == "https" && port == "443", scheme == "wss" && port == "443":
		port = ""
	case scheme == "http" && port == "80", scheme == "ws" && port == "80":
		port = ""
	}

	if port != "" {
		return scheme + "://" + host + ":" + port, nil
	}
	return scheme + "://" + host, nil
}

func isLoopback(normalized string) bool {
	u, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
