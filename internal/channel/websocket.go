package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol requested from the proxy on every channel
const Subprotocol = "binary"

const closeGracePeriod = time.Second

// WebSocketDialer opens one WebSocket per logical connection
type WebSocketDialer struct {
	// TLSConfig is used for wss:// proxy URLs
	TLSConfig *tls.Config
	// Header is sent with every handshake
	Header           http.Header
	HandshakeTimeout time.Duration
}

// Dial connects to target, a ws:// or wss:// URL
func (d *WebSocketDialer) Dial(ctx context.Context, target string) (FrameConn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
		HandshakeTimeout: timeout,
		Subprotocols:     []string{Subprotocol},
		TLSClientConfig:  d.TLSConfig,
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, target, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed with status %d: %w", target, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", target, err)
	}

	return NewWebSocketConn(conn), nil
}

// WebSocketConn adapts a gorilla connection to FrameConn
type WebSocketConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established WebSocket
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

// ReadFrame returns the payload of the next data message.
// Text and binary messages are both treated as opaque bytes.
func (w *WebSocketConn) ReadFrame() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFrame sends frame as one binary message
func (w *WebSocketConn) WriteFrame(frame []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a normal-closure control frame and closes the socket
func (w *WebSocketConn) Close() error {
	w.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}
