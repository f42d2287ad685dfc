package capability

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownWireCode   = errors.New("unknown capability wire code")
	ErrUnknownCapability = errors.New("unknown capability")
)

// Kind is the transport protocol of a capability
type Kind int

const (
	TCP Kind = iota
	HTTP
	HTTPS
)

// TLSVersion is the TLS protocol version used by an HTTPS capability
type TLSVersion uint8

const (
	TLS10 TLSVersion = iota
	TLS11
	TLS12
	TLS13
)

// String returns the dotted version, e.g. "1.2"
func (v TLSVersion) String() string {
	switch v {
	case TLS10:
		return "1.0"
	case TLS11:
		return "1.1"
	case TLS12:
		return "1.2"
	case TLS13:
		return "1.3"
	default:
		return "unknown"
	}
}

// Uint16 returns the crypto/tls version constant
func (v TLSVersion) Uint16() uint16 {
	switch v {
	case TLS10:
		return tls.VersionTLS10
	case TLS11:
		return tls.VersionTLS11
	case TLS12:
		return tls.VersionTLS12
	default:
		return tls.VersionTLS13
	}
}

// Capability is a transport protocol and, for HTTPS, a TLS version.
// The TLS field is ignored unless Kind is HTTPS.
type Capability struct {
	Kind Kind
	TLS  TLSVersion
}

var (
	Tcp  = Capability{Kind: TCP}
	Http = Capability{Kind: HTTP}
)

// Https returns the HTTPS capability pinned to the given TLS version
func Https(v TLSVersion) Capability {
	return Capability{Kind: HTTPS, TLS: v}
}

// All lists every capability this package can encode, in wire-code order
func All() []Capability {
	return []Capability{Tcp, Http, Https(TLS10), Https(TLS11), Https(TLS12), Https(TLS13)}
}

// normalize zeroes the TLS field of non-HTTPS capabilities so values compare equal
func (c Capability) normalize() Capability {
	if c.Kind != HTTPS {
		c.TLS = 0
	}
	return c
}

// Valid reports whether c is one of the declared capabilities
func (c Capability) Valid() bool {
	switch c.Kind {
	case TCP, HTTP:
		return true
	case HTTPS:
		return c.TLS <= TLS13
	default:
		return false
	}
}

// Equal reports whether two capabilities are the same
func (c Capability) Equal(o Capability) bool {
	return c.normalize() == o.normalize()
}

// String returns the canonical lowercase identifier
func (c Capability) String() string {
	switch c.Kind {
	case TCP:
		return "tcp"
	case HTTP:
		return "http"
	case HTTPS:
		switch c.TLS {
		case TLS10:
			return "https_tls1_0"
		case TLS11:
			return "https_tls1_1"
		case TLS12:
			return "https_tls1_2"
		case TLS13:
			return "https_tls1_3"
		}
	}
	return fmt.Sprintf("capability(%d,%d)", c.Kind, c.TLS)
}

// FromString parses a capability identifier, ignoring case
func FromString(s string) (Capability, bool) {
	switch strings.ToLower(s) {
	case "tcp":
		return Tcp, true
	case "http":
		return Http, true
	case "https_tls1_0":
		return Https(TLS10), true
	case "https_tls1_1":
		return Https(TLS11), true
	case "https_tls1_2":
		return Https(TLS12), true
	case "https_tls1_3":
		return Https(TLS13), true
	default:
		return Capability{}, false
	}
}

// Parse is FromString returning ErrUnknownCapability on no match
func Parse(s string) (Capability, error) {
	c, ok := FromString(s)
	if !ok {
		return Capability{}, fmt.Errorf("%w: %q", ErrUnknownCapability, s)
	}
	return c, nil
}

// WireCode returns the 8-bit code embedded in connection IDs. Capabilities
// outside the declared set have no code.
func (c Capability) WireCode() (uint8, error) {
	if !c.Valid() {
		return 0, fmt.Errorf("%w: %v", ErrUnknownCapability, c)
	}
	switch c.Kind {
	case HTTP:
		return 10, nil
	case HTTPS:
		return 20 + uint8(c.TLS), nil
	default:
		return 0, nil
	}
}

// FromWireCode decodes an 8-bit capability code
func FromWireCode(code uint8) (Capability, error) {
	switch code {
	case 0:
		return Tcp, nil
	case 10:
		return Http, nil
	case 20, 21, 22, 23:
		return Https(TLSVersion(code - 20)), nil
	default:
		return Capability{}, fmt.Errorf("%w: %d", ErrUnknownWireCode, code)
	}
}
