package conn

import (
	"context"
	"fmt"
	"sync"

	"tunnelnet/internal/address"
	"tunnelnet/internal/channel"
	"tunnelnet/internal/connid"
	"tunnelnet/internal/httpframe"
	"tunnelnet/internal/shared/logging"
	"tunnelnet/internal/tlswrap"
)

// HTTPS is an HTTP/1.1 connection encrypted end to end. The TLS client runs
// locally; the proxy only relays ciphertext.
type HTTPS struct {
	ch      *channel.Channel
	session *tlswrap.Session
	opts    Options
	logger  *logging.Logger
	reasm   *httpframe.Reassembler
	pending pending[Result]

	mu     sync.Mutex
	outbox [][]byte
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// DialHTTPS opens a tunnel channel to addr and prepares a TLS session over it.
// The handshake runs on the first Send. An empty tlsCfg.ServerName is taken
// from the host part of addr.
func DialHTTPS(ctx context.Context, opts Options, addr string, id connid.ID, tlsCfg tlswrap.Config) (*HTTPS, error) {
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = address.Host(addr)
	}

	c := &HTTPS{
		opts:   opts,
		logger: opts.logger("https-conn"),
		reasm:  httpframe.NewReassembler(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.ch = channel.New(opts.ProxyURL, addr, id, channel.Options{
		OnFrame: c.onFrame,
		OnClose: c.onClose,
		Logger:  opts.logger("channel"),
	})
	c.session = tlswrap.NewSession(tlsCfg, c.ch.Send, tlswrap.Handlers{
		Plaintext: c.onPlaintext,
		Error:     c.fail,
	})

	if err := c.ch.Connect(ctx, opts.Dialer); err != nil {
		c.session.Close()
		return nil, err
	}

	go c.writer()
	return c, nil
}

// Address returns the resolved host:port
func (c *HTTPS) Address() string { return c.ch.Addr() }

// ID returns the connection id
func (c *HTTPS) ID() connid.ID { return c.ch.ID() }

// IsOpen reports whether the channel is open
func (c *HTTPS) IsOpen() bool { return c.ch.IsOpen() }

// TLSState returns the state of the TLS session
func (c *HTTPS) TLSState() tlswrap.State { return c.session.State() }

// Pending returns the number of requests still waiting for a response
func (c *HTTPS) Pending() int { return c.pending.size() }

// Send queues req for encryption and returns without waiting for the handshake.
// A TLS failure is delivered on the result channel and closes the connection.
func (c *HTTPS) Send(req *httpframe.Request) (<-chan Result, error) {
	if !c.ch.IsOpen() || c.session.State() == tlswrap.Closed {
		return nil, ErrNotOpen
	}

	c.logger.Debug("Queueing request", "id", c.ID().String(), "method", req.Method, "path", req.Path)

	result, ok := c.pending.push()
	if !ok {
		return nil, ErrNotOpen
	}
	c.mu.Lock()
	c.outbox = append(c.outbox, req.Bytes())
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return result, nil
}

// Ping always succeeds
func (c *HTTPS) Ping() error { return nil }

// Close tears down the TLS session and the channel. Pending requests are never
// completed.
func (c *HTTPS) Close() error {
	c.pending.shut()
	c.stop()
	c.session.Close()
	return c.ch.Close()
}

func (c *HTTPS) stop() {
	c.once.Do(func() { close(c.done) })
}

// writer encrypts queued requests one at a time, in Send order
func (c *HTTPS) writer() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.outbox) == 0 {
				c.mu.Unlock()
				break
			}
			next := c.outbox[0]
			c.outbox = c.outbox[1:]
			c.mu.Unlock()

			if err := c.session.Write(next); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *HTTPS) onFrame(frame []byte) {
	if err := c.session.Feed(frame); err != nil {
		c.fail(err)
	}
}

func (c *HTTPS) onPlaintext(b []byte) {
	resp, err := c.reasm.Feed(b)
	switch {
	case err != nil:
		c.logger.Error("Malformed response, closing connection", err, "id", c.ID().String())
		c.terminate(err)
	case resp != nil:
		c.logger.Debug("Response complete", "id", c.ID().String(), "status", resp.StatusCode, "body", len(resp.Body))
		c.complete(Result{Response: resp})
	}
}

func (c *HTTPS) complete(r Result) {
	if !c.pending.deliver(r) {
		c.logger.Warn("Dropping response with no request waiting", "id", c.ID().String())
		return
	}
	if c.opts.OnResult != nil {
		c.opts.OnResult(c.ID(), r.Err)
	}
}

// fail reports a TLS failure through terminate
func (c *HTTPS) fail(err error) {
	err = fmt.Errorf("tls %s: %w", c.Address(), err)
	c.logger.Error("TLS failure", err, "id", c.ID().String(), "pending", c.pending.size())
	c.terminate(err)
}

// terminate is terminal: every waiting request gets err, then the connection closes
func (c *HTTPS) terminate(err error) {
	if n := c.pending.fail(Result{Err: err}); n > 0 {
		if c.opts.OnResult != nil {
			c.opts.OnResult(c.ID(), err)
		}
	}
	c.stop()
	c.session.Close()
	c.ch.Close()
}

func (c *HTTPS) onClose(err error) {
	c.stop()
	c.session.Close()
	if err != nil {
		if n := c.pending.fail(Result{Err: err}); n > 0 {
			c.logger.Warn("Connection lost with requests outstanding", "id", c.ID().String(), "pending", n)
		}
	}
	if c.opts.OnClose != nil {
		c.opts.OnClose(c.ID(), err)
	}
}
