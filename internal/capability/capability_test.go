package capability

import (
	"errors"
	"testing"
)

func TestStringRoundTrip(t *testing.T) {
	for _, c := range All() {
		got, ok := FromString(c.String())
		if !ok {
			t.Errorf("FromString(%q) returned no capability", c.String())
			continue
		}
		if !got.Equal(c) {
			t.Errorf("Expected %v, got %v", c, got)
		}
	}
}

func TestFromStringCaseInsensitive(t *testing.T) {
	tests := []struct {
		input    string
		expected Capability
	}{
		{"TCP", Tcp},
		{"Http", Http},
		{"HTTPS_TLS1_3", Https(TLS13)},
		{"https_TLS1_0", Https(TLS10)},
	}

	for _, tt := range tests {
		got, ok := FromString(tt.input)
		if !ok || !got.Equal(tt.expected) {
			t.Errorf("FromString(%q): expected %v, got %v (ok=%v)", tt.input, tt.expected, got, ok)
		}
	}
}

func TestFromStringUnknown(t *testing.T) {
	for _, s := range []string{"", "udp", "https", "https_tls1_4", "tls1_2", " tcp ", "http\n"} {
		if c, ok := FromString(s); ok {
			t.Errorf("Expected %q to be unknown, got %v", s, c)
		}
	}

	if _, err := Parse("quic"); !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("Expected ErrUnknownCapability, got %v", err)
	}
}

func TestWireCodes(t *testing.T) {
	tests := []struct {
		cap  Capability
		code uint8
	}{
		{Tcp, 0},
		{Http, 10},
		{Https(TLS10), 20},
		{Https(TLS11), 21},
		{Https(TLS12), 22},
		{Https(TLS13), 23},
	}

	for _, tt := range tests {
		got, err := tt.cap.WireCode()
		if err != nil {
			t.Fatalf("%v.WireCode() failed: %v", tt.cap, err)
		}
		if got != tt.code {
			t.Errorf("%v.WireCode(): expected %d, got %d", tt.cap, tt.code, got)
		}
		back, err := FromWireCode(tt.code)
		if err != nil {
			t.Fatalf("FromWireCode(%d) failed: %v", tt.code, err)
		}
		if !back.Equal(tt.cap) {
			t.Errorf("FromWireCode(%d): expected %v, got %v", tt.code, tt.cap, back)
		}
	}
}

func TestFromWireCodeRejectsUndeclared(t *testing.T) {
	declared := map[uint8]bool{0: true, 10: true, 20: true, 21: true, 22: true, 23: true}
	for code := 0; code < 256; code++ {
		_, err := FromWireCode(uint8(code))
		if declared[uint8(code)] {
			if err != nil {
				t.Errorf("FromWireCode(%d): unexpected error %v", code, err)
			}
			continue
		}
		if !errors.Is(err, ErrUnknownWireCode) {
			t.Errorf("FromWireCode(%d): expected ErrUnknownWireCode, got %v", code, err)
		}
	}
}

func TestTLSVersionUint16(t *testing.T) {
	if TLS12.Uint16() != 0x0303 {
		t.Errorf("Expected 0x0303 for TLS 1.2, got %#x", TLS12.Uint16())
	}
	if TLS13.Uint16() != 0x0304 {
		t.Errorf("Expected 0x0304 for TLS 1.3, got %#x", TLS13.Uint16())
	}
}

func TestTCPIgnoresTLSField(t *testing.T) {
	odd := Capability{Kind: TCP, TLS: TLS13}
	if !odd.Equal(Tcp) {
		t.Error("TCP capabilities should compare equal regardless of TLS field")
	}
	if code, err := odd.WireCode(); err != nil || code != 0 {
		t.Errorf("Expected wire code 0, got %d (err=%v)", code, err)
	}
}

func TestUndeclaredCapabilityHasNoWireCode(t *testing.T) {
	for _, c := range []Capability{
		{Kind: HTTPS, TLS: TLS13 + 1},
		{Kind: HTTPS, TLS: 9},
		{Kind: Kind(7)},
	} {
		if c.Valid() {
			t.Errorf("Expected %v to be invalid", c)
		}
		if code, err := c.WireCode(); !errors.Is(err, ErrUnknownCapability) {
			t.Errorf("%v.WireCode(): expected ErrUnknownCapability, got code %d err %v", c, code, err)
		}
	}

	for _, c := range All() {
		if !c.Valid() {
			t.Errorf("Expected %v to be valid", c)
		}
	}
}
