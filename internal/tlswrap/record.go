package tlswrap

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordHeaderLen = 5
	// RFC 8446 5.2 and RFC 5246 6.2.3: ciphertext never exceeds 2^14 + 2048
	maxCiphertextLen = 1<<14 + 2048
)

// Record content types
const (
	recordChangeCipherSpec = 20
	recordAlert            = 21
	recordHandshake        = 22
	recordApplicationData  = 23
	recordHeartbeat        = 24
)

var ErrMalformedRecord = errors.New("malformed TLS record")

// RecordHeader is the plaintext prefix of every TLS record
type RecordHeader struct {
	Type    uint8
	Version uint16
	Length  uint16
}

// parseHeader reads a record header from the front of b
func parseHeader(b []byte) (RecordHeader, bool) {
	var h RecordHeader
	s := cryptobyte.String(b)
	if !s.ReadUint8(&h.Type) || !s.ReadUint16(&h.Version) || !s.ReadUint16(&h.Length) {
		return h, false
	}
	return h, true
}

func (h RecordHeader) validate() error {
	switch h.Type {
	case recordChangeCipherSpec, recordAlert, recordHandshake, recordApplicationData, recordHeartbeat:
	default:
		return fmt.Errorf("%w: content type %d", ErrMalformedRecord, h.Type)
	}
	if h.Version>>8 != 0x03 {
		return fmt.Errorf("%w: version %#04x", ErrMalformedRecord, h.Version)
	}
	if h.Length > maxCiphertextLen {
		return fmt.Errorf("%w: length %d exceeds %d", ErrMalformedRecord, h.Length, maxCiphertextLen)
	}
	return nil
}

// RecordScanner accumulates ciphertext from tunnel frames and releases it only
// in whole TLS records. Frame boundaries are unrelated to record boundaries: a
// frame may hold part of a record, several records, or both.
type RecordScanner struct {
	buf     []byte
	records int
}

// Push appends frame and returns the longest prefix made of complete records.
// The remainder stays buffered. A header that cannot start a valid record is
// an error and leaves the scanner unusable.
func (s *RecordScanner) Push(frame []byte) ([]byte, error) {
	s.buf = append(s.buf, frame...)

	off := 0
	for {
		if len(s.buf)-off < recordHeaderLen {
			break
		}
		h, _ := parseHeader(s.buf[off : off+recordHeaderLen])
		if err := h.validate(); err != nil {
			return nil, err
		}
		end := off + recordHeaderLen + int(h.Length)
		if end > len(s.buf) {
			break
		}
		off = end
		s.records++
	}

	if off == 0 {
		return nil, nil
	}

	complete := make([]byte, off)
	copy(complete, s.buf[:off])
	s.buf = append(s.buf[:0], s.buf[off:]...)
	return complete, nil
}

// Pending returns the number of buffered bytes not yet forming a whole record
func (s *RecordScanner) Pending() int {
	return len(s.buf)
}

// Records returns how many complete records have been released
func (s *RecordScanner) Records() int {
	return s.records
}
