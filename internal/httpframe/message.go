package httpframe

import (
	"bytes"
	"strconv"
)

// Header is a single name/value pair. Order is preserved and duplicates are allowed.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is an HTTP/1.1 request to be framed onto the tunnel.
// A nil Body means no body; a non-nil empty Body is an empty body.
type Request struct {
	Method  string
	Path    string
	Headers []Header
	Body    []byte
}

// Response is a completed HTTP response
type Response struct {
	StatusCode int
	Headers    []Header
	Body       []byte
}

// Header returns the first value of the named header, matched exactly
func (r *Response) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Serialize renders the request line, headers and optional body.
// Content-Length is emitted only when body is non-nil.
func Serialize(method, path string, headers []Header, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(method)
	buf.WriteByte(' ')
	buf.WriteString(path)
	buf.WriteString(" HTTP/1.1\r\n")

	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}

	if body != nil {
		buf.WriteString(contentLength)
		buf.WriteString(": ")
		buf.WriteString(strconv.Itoa(len(body)))
		buf.WriteString("\r\n\r\n")
		buf.Write(body)
		return buf.Bytes()
	}

	buf.WriteString("\r\n")
	return buf.Bytes()
}

// Bytes serializes the request
func (r *Request) Bytes() []byte {
	return Serialize(r.Method, r.Path, r.Headers, r.Body)
}
