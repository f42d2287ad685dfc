package conn

import (
	"context"
	"fmt"

	"github.com/jpillora/sizestr"

	"tunnelnet/internal/channel"
	"tunnelnet/internal/connid"
	"tunnelnet/internal/shared/logging"
)

// TCPResult is the outcome of one TCP send: the next frame the remote end sent
type TCPResult struct {
	Data []byte
	Err  error
}

// TCP is a raw byte connection. Every Send is answered by the next inbound frame.
type TCP struct {
	ch      *channel.Channel
	opts    Options
	logger  *logging.Logger
	pending pending[TCPResult]
}

// DialTCP opens a tunnel channel to addr for a TCP connection
func DialTCP(ctx context.Context, opts Options, addr string, id connid.ID) (*TCP, error) {
	c := &TCP{opts: opts, logger: opts.logger("tcp-conn")}
	c.ch = channel.New(opts.ProxyURL, addr, id, channel.Options{
		OnFrame: c.onFrame,
		OnClose: c.onClose,
		Logger:  opts.logger("channel"),
	})
	if err := c.ch.Connect(ctx, opts.Dialer); err != nil {
		return nil, err
	}
	return c, nil
}

// Address returns the resolved host:port
func (c *TCP) Address() string { return c.ch.Addr() }

// ID returns the connection id
func (c *TCP) ID() connid.ID { return c.ch.ID() }

// IsOpen reports whether the channel is open
func (c *TCP) IsOpen() bool { return c.ch.IsOpen() }

// Send writes data and returns a channel that receives the next inbound frame
func (c *TCP) Send(data []byte) (<-chan TCPResult, error) {
	if !c.ch.IsOpen() {
		return nil, ErrNotOpen
	}

	result, ok := c.pending.push()
	if !ok {
		return nil, ErrNotOpen
	}
	if err := c.ch.Send(data); err != nil {
		c.pending.remove(result)
		return nil, fmt.Errorf("tcp send to %s: %w", c.Address(), err)
	}
	return result, nil
}

// Ping always succeeds
func (c *TCP) Ping() error { return nil }

// Close closes the channel. Pending sends are never completed.
func (c *TCP) Close() error {
	c.pending.shut()
	return c.ch.Close()
}

func (c *TCP) onFrame(frame []byte) {
	if !c.pending.deliver(TCPResult{Data: frame}) {
		c.logger.Debug("Dropping unsolicited frame", "id", c.ID().String(), "size", sizestr.ToString(int64(len(frame))))
		return
	}
	if c.opts.OnResult != nil {
		c.opts.OnResult(c.ID(), nil)
	}
}

func (c *TCP) onClose(err error) {
	if err != nil {
		if n := c.pending.fail(TCPResult{Err: err}); n > 0 {
			c.logger.Warn("Connection lost with sends outstanding", "id", c.ID().String(), "pending", n)
		}
	}
	if c.opts.OnClose != nil {
		c.opts.OnClose(c.ID(), err)
	}
}
