package channel

import (
	"context"
	"io"
	"sync"
)

// Pipe returns two connected in-memory FrameConns. Frames written to one are
// read from the other in order. Closing either end ends both.
func Pipe() (FrameConn, FrameConn) {
	shared := &pipeShared{done: make(chan struct{})}
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	return &pipeConn{in: ba, out: ab, shared: shared}, &pipeConn{in: ab, out: ba, shared: shared}
}

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	in     chan []byte
	out    chan []byte
	shared *pipeShared
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	// drain frames already queued before reporting closure
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.shared.done:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteFrame(frame []byte) error {
	buf := append([]byte(nil), frame...)
	select {
	case <-p.shared.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.shared.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}

// PipeDialer connects each dial to an in-process peer. Serve runs in its own
// goroutine with the remote end of a fresh Pipe.
type PipeDialer struct {
	Serve func(target string, remote FrameConn)

	mu      sync.Mutex
	targets []string
}

// Dial creates a pipe and hands the far end to Serve
func (d *PipeDialer) Dial(ctx context.Context, target string) (FrameConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.targets = append(d.targets, target)
	d.mu.Unlock()

	local, remote := Pipe()
	if d.Serve != nil {
		go d.Serve(target, remote)
	}
	return local, nil
}

// Targets returns every target dialed so far
func (d *PipeDialer) Targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}
