package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jpillora/sizestr"

	"tunnelnet/internal/connid"
	"tunnelnet/internal/shared/logging"
)

var (
	ErrNotOpen = errors.New("connection is not open")
	// ErrRemoteClosed is reported to the close handler when the transport ends
	// without a local Close
	ErrRemoteClosed = errors.New("connection closed by remote")
)

// State of a channel
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameConn is a duplex, message-oriented transport. Frames are delivered in
// the order they were sent and carry no framing of their own.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Dialer opens a FrameConn to the proxy for one logical connection
type Dialer interface {
	Dial(ctx context.Context, target string) (FrameConn, error)
}

// FrameHandler receives inbound frames, one at a time, in transport order
type FrameHandler func(frame []byte)

// CloseHandler is told once that the channel has closed. err is nil after a local Close.
type CloseHandler func(err error)

// Options configure a channel
type Options struct {
	OnFrame FrameHandler
	OnClose CloseHandler
	Logger  *logging.Logger
}

// Channel binds one FrameConn to one logical connection.
//
// A single goroutine reads frames and hands them to OnFrame, so per-connection
// state touched only from OnFrame is never accessed concurrently by two frames.
type Channel struct {
	id     connid.ID
	addr   string
	target string
	opts   Options
	logger *logging.Logger

	mu    sync.RWMutex
	state State
	conn  FrameConn

	writeMu sync.Mutex
	done    chan struct{}

	closeOnce sync.Once
	sent      int64
	received  int64
}

// Target builds the proxy URL for addr: "{base}/{host:port}"
func Target(base, addr string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/" + addr
}

// Open dials the proxy for addr and starts delivering frames
func Open(ctx context.Context, dialer Dialer, base, addr string, id connid.ID, opts Options) (*Channel, error) {
	c := New(base, addr, id, opts)
	if err := c.Connect(ctx, dialer); err != nil {
		return nil, err
	}
	return c, nil
}

// New creates a channel in the connecting state without dialing
func New(base, addr string, id connid.ID, opts Options) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("channel")
	}
	return &Channel{
		id:     id,
		addr:   addr,
		target: Target(base, addr),
		opts:   opts,
		logger: logger,
		state:  StateConnecting,
		done:   make(chan struct{}),
	}
}

// Connect dials the transport and starts the read loop
func (c *Channel) Connect(ctx context.Context, dialer Dialer) error {
	c.logger.Debug("Opening tunnel channel", "id", c.id.String(), "target", c.target)

	conn, err := dialer.Dial(ctx, c.target)
	if err != nil {
		c.closeOnce.Do(func() {
			c.setState(StateClosed)
			close(c.done)
		})
		return fmt.Errorf("failed to open channel to %s: %w", c.addr, err)
	}

	return c.Attach(conn)
}

// Attach starts the channel on an already established transport
func (c *Channel) Attach(conn FrameConn) error {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		conn.Close()
		return ErrNotOpen
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info("Tunnel channel open", "id", c.id.String(), "addr", c.addr)

	go c.readLoop(conn)
	return nil
}

// ID returns the connection id bound to this channel
func (c *Channel) ID() connid.ID {
	return c.id
}

// Addr returns the resolved host:port this channel tunnels to
func (c *Channel) Addr() string {
	return c.addr
}

// State returns the current state
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsOpen reports whether frames can be sent
func (c *Channel) IsOpen() bool {
	return c.State() == StateOpen
}

// Done is closed once the channel has fully closed
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send transmits one frame. It fails with ErrNotOpen unless the channel is open.
func (c *Channel) Send(frame []byte) error {
	c.mu.RLock()
	conn, state := c.conn, c.state
	c.mu.RUnlock()

	if state != StateOpen {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	err := conn.WriteFrame(frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}

	c.mu.Lock()
	c.sent += int64(len(frame))
	c.mu.Unlock()

	c.logger.Debug("Sent frame", "id", c.id.String(), "size", sizestr.ToString(int64(len(frame))))
	return nil
}

// Close terminates the transport. No frame is delivered after Close returns.
func (c *Channel) Close() error {
	return c.shutdown(nil, true)
}

func (c *Channel) shutdown(cause error, local bool) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.state = StateClosing
		c.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}

		c.mu.Lock()
		c.state = StateClosed
		sent, received := c.sent, c.received
		c.mu.Unlock()
		close(c.done)

		if local {
			c.logger.Info("Tunnel channel closed", "id", c.id.String(),
				"sent", sizestr.ToString(sent), "received", sizestr.ToString(received))
		} else {
			c.logger.Warn("Tunnel channel lost", "id", c.id.String(), "error", cause.Error(),
				"sent", sizestr.ToString(sent), "received", sizestr.ToString(received))
		}

		if c.opts.OnClose != nil {
			c.opts.OnClose(cause)
		}
	})
	return err
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) readLoop(conn FrameConn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if c.State() == StateOpen {
				c.shutdown(fmt.Errorf("%w: %v", ErrRemoteClosed, err), false)
			}
			return
		}

		c.mu.Lock()
		open := c.state == StateOpen
		c.received += int64(len(frame))
		c.mu.Unlock()
		if !open {
			return
		}

		c.logger.Debug("Received frame", "id", c.id.String(), "size", sizestr.ToString(int64(len(frame))))

		if c.opts.OnFrame != nil {
			c.opts.OnFrame(frame)
		}
	}
}
