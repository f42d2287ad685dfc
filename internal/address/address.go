package address

import (
	"errors"
	"fmt"
	"strings"

	"tunnelnet/internal/capability"
)

var ErrMalformedAddress = errors.New("malformed address")

const schemeSep = "://"

// DefaultPort returns the port used when an endpoint names none
func DefaultPort(c capability.Capability) string {
	switch c.Kind {
	case capability.HTTP:
		return "80"
	case capability.HTTPS:
		return "443"
	default:
		return "0"
	}
}

// Split turns a user-supplied endpoint into a bare host:port.
//
// Input without a scheme is assumed to be resolved already and comes back as is.
// Otherwise the scheme is dropped, every '/' is removed and the default port for c
// is appended when none is given.
func Split(c capability.Capability, raw string) (string, error) {
	i := strings.Index(raw, schemeSep)
	if i < 0 {
		return raw, nil
	}

	rest := strings.ReplaceAll(raw[i+len(schemeSep):], "/", "")
	if rest == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedAddress, raw)
	}

	parts := strings.Split(rest, ":")
	host := parts[0]
	port := DefaultPort(c)
	if len(parts) > 1 {
		port = parts[1]
	}

	return host + ":" + port, nil
}

// Host returns the host part of a resolved host:port address
func Host(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return strings.Trim(addr[:i], "[]")
	}
	return addr
}
