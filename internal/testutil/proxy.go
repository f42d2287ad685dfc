package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tunnelnet/internal/channel"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{channel.Subprotocol},
}

// Proxy is an in-process stand-in for the remote proxy. Each WebSocket it
// accepts is handed to Handle along with the host:port taken from the URL path.
type Proxy struct {
	Server *httptest.Server
	URL    string

	mu      sync.Mutex
	targets []string
}

// NewProxy starts a proxy; it is closed when the test ends
func NewProxy(t testing.TB, handle func(target string, conn channel.FrameConn)) *Proxy {
	t.Helper()

	p := &Proxy{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("WebSocket upgrade failed: %v", err)
			return
		}
		conn := channel.NewWebSocketConn(ws)
		defer conn.Close()

		target := strings.TrimPrefix(r.URL.Path, "/")
		p.mu.Lock()
		p.targets = append(p.targets, target)
		p.mu.Unlock()

		handle(target, conn)
	}))
	p.URL = "ws" + strings.TrimPrefix(p.Server.URL, "http")

	t.Cleanup(p.Server.Close)
	return p
}

// Targets lists the host:port of every accepted channel
func (p *Proxy) Targets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.targets...)
}

// FrameStream presents a FrameConn as a net.Conn. Writes are cut into frames of
// at most ChunkSize bytes so peers see data split at arbitrary points.
type FrameStream struct {
	Conn      channel.FrameConn
	ChunkSize int

	buf []byte
}

func (s *FrameStream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		frame, err := s.Conn.ReadFrame()
		if err != nil {
			return 0, err
		}
		s.buf = frame
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *FrameStream) Write(p []byte) (int, error) {
	size := s.ChunkSize
	if size <= 0 {
		size = len(p)
	}
	for off := 0; off < len(p); off += size {
		end := off + size
		if end > len(p) {
			end = len(p)
		}
		if err := s.Conn.WriteFrame(p[off:end]); err != nil {
			return off, err
		}
	}
	return len(p), nil
}

func (s *FrameStream) Close() error                       { return s.Conn.Close() }
func (s *FrameStream) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (s *FrameStream) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (s *FrameStream) SetDeadline(t time.Time) error      { return nil }
func (s *FrameStream) SetReadDeadline(t time.Time) error  { return nil }
func (s *FrameStream) SetWriteDeadline(t time.Time) error { return nil }
