package conn

import (
	"context"
	"fmt"

	"tunnelnet/internal/channel"
	"tunnelnet/internal/connid"
	"tunnelnet/internal/httpframe"
	"tunnelnet/internal/shared/logging"
)

// Result is the outcome of one HTTP or HTTPS request. Exactly one of Response
// and Err is set.
type Result struct {
	Response *httpframe.Response
	Err      error
}

// HTTP is a plaintext HTTP/1.1 connection. Responses are reassembled from
// inbound frames and handed to senders in request order.
type HTTP struct {
	ch      *channel.Channel
	opts    Options
	logger  *logging.Logger
	reasm   *httpframe.Reassembler
	pending pending[Result]
}

// DialHTTP opens a tunnel channel to addr for an HTTP connection
func DialHTTP(ctx context.Context, opts Options, addr string, id connid.ID) (*HTTP, error) {
	c := &HTTP{
		opts:   opts,
		logger: opts.logger("http-conn"),
		reasm:  httpframe.NewReassembler(),
	}
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
func (c *HTTP) Address() string { return c.ch.Addr() }

// ID returns the connection id
func (c *HTTP) ID() connid.ID { return c.ch.ID() }

// IsOpen reports whether the channel is open
func (c *HTTP) IsOpen() bool { return c.ch.IsOpen() }

// Pending returns the number of requests still waiting for a response
func (c *HTTP) Pending() int { return c.pending.size() }

// Send frames req and writes it to the channel. The returned channel receives
// exactly one Result unless the connection is closed locally first.
func (c *HTTP) Send(req *httpframe.Request) (<-chan Result, error) {
	if !c.ch.IsOpen() {
		return nil, ErrNotOpen
	}

	c.logger.Debug("Sending request", "id", c.ID().String(), "method", req.Method, "path", req.Path)

	result, ok := c.pending.push()
	if !ok {
		return nil, ErrNotOpen
	}
	if err := c.ch.Send(req.Bytes()); err != nil {
		c.pending.remove(result)
		return nil, fmt.Errorf("http send to %s: %w", c.Address(), err)
	}
	return result, nil
}

// Ping always succeeds
func (c *HTTP) Ping() error { return nil }

// Close closes the channel. Pending requests are never completed.
// A malformed response also closes the connection, after failing every
// pending request with the *httpframe.ParseError.
func (c *HTTP) Close() error {
	c.pending.shut()
	return c.ch.Close()
}

func (c *HTTP) onFrame(frame []byte) {
	resp, err := c.reasm.Feed(frame)
	switch {
	case err != nil:
		c.logger.Error("Malformed response, closing connection", err, "id", c.ID().String())
		c.fail(err)
	case resp != nil:
		c.logger.Debug("Response complete", "id", c.ID().String(), "status", resp.StatusCode, "body", len(resp.Body))
		c.complete(Result{Response: resp})
	}
}

func (c *HTTP) complete(r Result) {
	if !c.pending.deliver(r) {
		c.logger.Warn("Dropping response with no request waiting", "id", c.ID().String())
		return
	}
	if c.opts.OnResult != nil {
		c.opts.OnResult(c.ID(), r.Err)
	}
}

// fail is terminal: every waiting request gets err, then the connection closes
func (c *HTTP) fail(err error) {
	if n := c.pending.fail(Result{Err: err}); n > 0 && c.opts.OnResult != nil {
		c.opts.OnResult(c.ID(), err)
	}
	c.ch.Close()
}

func (c *HTTP) onClose(err error) {
	if err != nil {
		if n := c.pending.fail(Result{Err: err}); n > 0 {
			c.logger.Warn("Connection lost with requests outstanding", "id", c.ID().String(), "pending", n)
		}
	}
	if c.opts.OnClose != nil {
		c.opts.OnClose(c.ID(), err)
	}
}
