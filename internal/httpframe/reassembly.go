package httpframe

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

const contentLength = "Content-Length"

var (
	crlf      = []byte("\r\n")
	headEnd   = []byte("\r\n\r\n")
	headerSep = ": "
)

// State is the position of a Reassembler within one response
type State int

const (
	AwaitingStatusLine State = iota
	AwaitingHeaders
	AwaitingBody
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingStatusLine:
		return "awaiting-status-line"
	case AwaitingHeaders:
		return "awaiting-headers"
	case AwaitingBody:
		return "awaiting-body"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseError reports a response head that could not be parsed
type ParseError struct {
	Part string // "status line", "header" or "content length"
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s %q: %v", e.Part, e.Line, e.Err)
	}
	return fmt.Sprintf("malformed %s %q", e.Part, e.Line)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Reassembler rebuilds one HTTP response at a time from tunnel frames.
//
// The first frames carry the status line and headers. Once the head is parsed
// every later frame is raw body. The response completes as soon as the body
// holds at least Content-Length bytes; without that header it completes right
// after the head. After completion it is ready for the next response. A parse
// error leaves it Failed, since the stream has no point where parsing could
// restart: every later Feed returns the same error until Reset. All fields are
// guarded by one mutex.
type Reassembler struct {
	mu       sync.Mutex
	state    State
	head     []byte
	status   int
	headers  []Header
	body     []byte
	expected int
	err      error
}

// NewReassembler returns a reassembler waiting for a status line
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// State returns the current state
func (r *Reassembler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Buffered returns the number of body bytes received so far for the current response
func (r *Reassembler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.body)
}

// Reset discards any partially received response
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

func (r *Reassembler) reset() {
	r.state = AwaitingStatusLine
	r.head = nil
	r.status = 0
	r.headers = nil
	r.body = nil
	r.expected = 0
	r.err = nil
}

// Feed consumes one frame. It returns the response when the frame completes it,
// nil while more frames are needed, or an error if the head is malformed.
func (r *Reassembler) Feed(frame []byte) (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case Failed:
		return nil, r.err
	case Complete:
		r.reset()
	}

	if r.state == AwaitingBody {
		r.body = append(r.body, frame...)
		return r.maybeComplete(), nil
	}

	r.head = append(r.head, frame...)
	if r.state == AwaitingStatusLine && bytes.Contains(r.head, crlf) {
		r.state = AwaitingHeaders
	}

	end := bytes.Index(r.head, headEnd)
	if end < 0 {
		return nil, nil
	}

	if err := r.parseHead(string(r.head[:end])); err != nil {
		r.reset()
		r.state = Failed
		r.err = err
		return nil, err
	}

	r.body = append([]byte{}, r.head[end+len(headEnd):]...)
	r.head = nil
	r.state = AwaitingBody

	return r.maybeComplete(), nil
}

func (r *Reassembler) parseHead(head string) error {
	lines := strings.Split(head, "\r\n")

	fields := strings.Split(lines[0], " ")
	if len(fields) < 2 {
		return &ParseError{Part: "status line", Line: lines[0]}
	}
	code, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return &ParseError{Part: "status line", Line: lines[0], Err: err}
	}
	if code == 0 {
		return &ParseError{Part: "status line", Line: lines[0]}
	}
	r.status = int(code)

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, headerSep)
		if !ok {
			return &ParseError{Part: "header", Line: line}
		}
		if name == contentLength {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return &ParseError{Part: "content length", Line: line, Err: err}
			}
			r.expected = n
		}
		r.headers = append(r.headers, Header{Name: name, Value: value})
	}

	return nil
}

func (r *Reassembler) maybeComplete() *Response {
	if len(r.body) < r.expected {
		return nil
	}

	resp := &Response{
		StatusCode: r.status,
		Headers:    r.headers,
		Body:       r.body,
	}
	r.reset()
	r.state = Complete
	return resp
}
