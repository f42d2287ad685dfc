// Package conn exposes the per-protocol connection APIs. Each connection owns
// exactly one tunnel channel and one connection id.
package conn

import (
	"sync"

	"tunnelnet/internal/channel"
	"tunnelnet/internal/connid"
	"tunnelnet/internal/shared/logging"
)

// ErrNotOpen is returned by Send when the underlying channel is not open
var ErrNotOpen = channel.ErrNotOpen

// Options shared by every connection type
type Options struct {
	Dialer   channel.Dialer
	ProxyURL string
	Logger   *logging.Logger

	// OnResult is told about every result delivered to a caller
	OnResult func(id connid.ID, err error)
	// OnClose runs once when the connection closes. err is nil after a local Close.
	OnClose func(id connid.ID, err error)
}

func (o Options) logger(component string) *logging.Logger {
	if o.Logger != nil {
		return o.Logger.Named(component)
	}
	return logging.NewLogger(component)
}

// Conn is the behaviour common to TCP, HTTP and HTTPS connections
type Conn interface {
	Address() string
	ID() connid.ID
	IsOpen() bool
	Close() error
	Ping() error
}

// pending is the FIFO of result channels waiting on one connection. Once shut,
// nothing more is delivered.
type pending[T any] struct {
	mu     sync.Mutex
	queue  []chan T
	closed bool
}

// push queues a new waiter. It reports false once the queue has been shut, so
// a caller never holds a channel that nothing will complete.
func (p *pending[T]) push() (chan T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	ch := make(chan T, 1)
	p.queue = append(p.queue, ch)
	return ch, true
}

func (p *pending[T]) remove(ch chan T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.queue {
		if c == ch {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

// deliver completes the oldest waiter with v. It reports false if nobody was waiting.
func (p *pending[T]) deliver(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		return false
	}
	ch := p.queue[0]
	p.queue = p.queue[1:]
	ch <- v
	return true
}

// fail completes every waiter with v and shuts the queue
func (p *pending[T]) fail(v T) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	n := len(p.queue)
	for _, ch := range p.queue {
		ch <- v
	}
	p.queue = nil
	p.closed = true
	return n
}

// shut drops every waiter without signalling it
func (p *pending[T]) shut() {
	p.mu.Lock()
	p.queue = nil
	p.closed = true
	p.mu.Unlock()
}

func (p *pending[T]) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
