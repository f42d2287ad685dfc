// Package tlswrap runs a TLS client over tunnel frames.
//
// Outgoing TLS records are sent as frames. Incoming frames are reassembled into
// whole records before the TLS state machine sees them, and decrypted
// application data is handed on only after a record has been fully decoded.
package tlswrap

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"tunnelnet/internal/capability"
)

var ErrSessionClosed = errors.New("tls session closed")

// State of a session
type State int

const (
	Handshaking State = iota
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config describes the TLS client side of one connection
type Config struct {
	ServerName         string
	Version            capability.TLSVersion
	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
}

// TLSConfig builds a crypto/tls config pinned to exactly one protocol version
func (c Config) TLSConfig() *tls.Config {
	v := c.Version.Uint16()
	return &tls.Config{
		ServerName:         c.ServerName,
		RootCAs:            c.RootCAs,
		MinVersion:         v,
		MaxVersion:         v,
		InsecureSkipVerify: c.InsecureSkipVerify,
		NextProtos:         []string{"http/1.1"},
	}
}

// Handlers receive the output of a session. Both are called from the
// session's own goroutine, in order.
type Handlers struct {
	// Plaintext gets decrypted application data
	Plaintext func([]byte)
	// Error gets the terminal error of a session that failed without Close
	Error func(error)
}

// Session is one TLS client connection carried over tunnel frames
type Session struct {
	conn     *tls.Conn
	rc       *recordConn
	scanner  RecordScanner
	handlers Handlers

	mu    sync.Mutex
	state State

	startOnce sync.Once
	done      chan struct{}
}

// NewSession prepares a session. send transmits one frame on the tunnel.
func NewSession(cfg Config, send func([]byte) error, handlers Handlers) *Session {
	rc := newRecordConn(send)
	return &Session{
		conn:     tls.Client(rc, cfg.TLSConfig()),
		rc:       rc,
		handlers: handlers,
		state:    Handshaking,
		done:     make(chan struct{}),
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session's read pump has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start begins the handshake and the read pump. It does not block.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.pump()
	})
}

// Write encrypts plaintext and sends the resulting records. It blocks until the
// handshake has completed.
func (s *Session) Write(plaintext []byte) error {
	if s.State() == Closed {
		return ErrSessionClosed
	}
	s.Start()
	if _, err := s.conn.Write(plaintext); err != nil {
		return fmt.Errorf("tls write: %w", err)
	}
	return nil
}

// Feed consumes one inbound tunnel frame of ciphertext
func (s *Session) Feed(frame []byte) error {
	if s.State() == Closed {
		return ErrSessionClosed
	}
	records, err := s.scanner.Push(frame)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		s.rc.feed(records)
	}
	return nil
}

// Pending returns buffered ciphertext not yet forming a whole record
func (s *Session) Pending() int {
	return s.scanner.Pending()
}

// ConnectionState exposes the negotiated parameters once established
func (s *Session) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

// Close stops the session without reporting an error
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	s.mu.Unlock()

	s.rc.Close()
	return nil
}

func (s *Session) pump() {
	defer close(s.done)

	if err := s.conn.Handshake(); err != nil {
		s.fail(fmt.Errorf("tls handshake: %w", err))
		return
	}

	s.mu.Lock()
	if s.state == Handshaking {
		s.state = Established
	}
	s.mu.Unlock()

	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 && s.State() != Closed && s.handlers.Plaintext != nil {
			s.handlers.Plaintext(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			s.fail(fmt.Errorf("tls read: %w", err))
			return
		}
	}
}

// fail reports err unless the session was closed locally
func (s *Session) fail(err error) {
	s.mu.Lock()
	wasClosed := s.state == Closed
	s.state = Closed
	s.mu.Unlock()

	s.rc.Close()
	if !wasClosed && s.handlers.Error != nil {
		s.handlers.Error(err)
	}
}

// recordConn is the net.Conn crypto/tls runs on. Reads are served from whole
// records pushed in by feed; each Write becomes one tunnel frame.
type recordConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     bytes.Buffer
	closed bool
	send   func([]byte) error
}

func newRecordConn(send func([]byte) error) *recordConn {
	c := &recordConn{send: send}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *recordConn) feed(records []byte) {
	c.mu.Lock()
	c.in.Write(records)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *recordConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.in.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.in.Len() == 0 {
		return 0, net.ErrClosed
	}
	return c.in.Read(p)
}

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	if err := c.send(append([]byte(nil), p...)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	return nil
}

func (c *recordConn) LocalAddr() net.Addr                { return tunnelAddr{} }
func (c *recordConn) RemoteAddr() net.Addr               { return tunnelAddr{} }
func (c *recordConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

type tunnelAddr struct{}

func (tunnelAddr) Network() string { return "tunnel" }
func (tunnelAddr) String() string  { return "tunnel" }
