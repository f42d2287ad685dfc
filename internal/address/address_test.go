package address

import (
	"errors"
	"testing"

	"tunnelnet/internal/capability"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name     string
		cap      capability.Capability
		input    string
		expected string
	}{
		{"http default port", capability.Http, "http://example.com", "example.com:80"},
		{"https explicit port", capability.Https(capability.TLS12), "https://example.com:8443", "example.com:8443"},
		{"https default port", capability.Https(capability.TLS13), "https://example.com/", "example.com:443"},
		{"tcp default port", capability.Tcp, "tcp://10.0.0.1", "10.0.0.1:0"},
		{"no scheme is verbatim", capability.Tcp, "10.0.0.1:9000", "10.0.0.1:9000"},
		{"no scheme keeps slashes", capability.Http, "example.com/x", "example.com/x"},
		{"trailing slashes removed", capability.Http, "http://example.com:8080//", "example.com:8080"},
		{"scheme does not pick port", capability.Http, "https://example.com", "example.com:80"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(tt.cap, tt.input)
			if err != nil {
				t.Fatalf("Split(%q) failed: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestSplitMalformed(t *testing.T) {
	for _, input := range []string{"http://", "https:///", "tcp:////"} {
		_, err := Split(capability.Http, input)
		if !errors.Is(err, ErrMalformedAddress) {
			t.Errorf("Split(%q): expected ErrMalformedAddress, got %v", input, err)
		}
	}
}

func TestDefaultPort(t *testing.T) {
	if DefaultPort(capability.Tcp) != "0" {
		t.Errorf("Expected TCP default port 0, got %s", DefaultPort(capability.Tcp))
	}
	if DefaultPort(capability.Http) != "80" {
		t.Errorf("Expected HTTP default port 80, got %s", DefaultPort(capability.Http))
	}
	if DefaultPort(capability.Https(capability.TLS10)) != "443" {
		t.Errorf("Expected HTTPS default port 443, got %s", DefaultPort(capability.Https(capability.TLS10)))
	}
}

func TestHost(t *testing.T) {
	tests := map[string]string{
		"example.com:443": "example.com",
		"10.0.0.1:80":     "10.0.0.1",
		"[::1]:443":       "::1",
		"bare":            "bare",
	}
	for in, expected := range tests {
		if got := Host(in); got != expected {
			t.Errorf("Host(%q): expected %q, got %q", in, expected, got)
		}
	}
}
