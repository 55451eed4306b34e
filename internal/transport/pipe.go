package transport

import (
	"bytes"
	"context"
	"sync"
)

// Responder is called synchronously for every Write with the written bytes.
// It typically answers by calling p.Inject.
type Responder func(p *Pipe, written []byte)

// Pipe is an in-memory Transport whose far end is driven by a Responder.
// The simulator and the tests sit behind it. Injected data is delivered in
// order on a dedicated goroutine, the way a real read loop delivers it.
type Pipe struct {
	Hub

	mu       sync.Mutex
	cond     *sync.Cond
	open     bool
	writes   [][]byte
	respond  Responder
	writeErr error
	queue    [][]byte
	inflight bool
	done     chan struct{}
}

// NewPipe returns an open Pipe.
func NewPipe() *Pipe {
	p := &Pipe{open: true, done: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	go p.deliver()
	return p
}

// SetResponder installs fn as the far end.
func (p *Pipe) SetResponder(fn Responder) {
	p.mu.Lock()
	p.respond = fn
	p.mu.Unlock()
}

// FailWrites makes every subsequent Write return err. A nil err restores
// normal behaviour.
func (p *Pipe) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Write implements Transport.
func (p *Pipe) Write(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return err
	}
	c := append([]byte(nil), b...)
	p.writes = append(p.writes, c)
	fn := p.respond
	p.mu.Unlock()

	if fn != nil {
		fn(p, c)
	}
	return nil
}

// Inject queues b as data received from the device.
func (p *Pipe) Inject(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return
	}
	p.queue = append(p.queue, append([]byte(nil), b...))
	p.cond.Broadcast()
}

// Drain blocks until every injected chunk has been dispatched.
func (p *Pipe) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.open && (len(p.queue) > 0 || p.inflight) {
		p.cond.Wait()
	}
}

func (p *Pipe) deliver() {
	defer close(p.done)
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for p.open && len(p.queue) == 0 {
			p.cond.Wait()
		}
		if !p.open {
			return
		}
		chunk := p.queue[0]
		p.queue = p.queue[1:]
		p.inflight = true
		p.mu.Unlock()
		p.Dispatch(chunk)
		p.mu.Lock()
		p.inflight = false
		p.cond.Broadcast()
	}
}

// Writes returns a copy of every Write so far.
func (p *Pipe) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Written returns all written bytes concatenated.
func (p *Pipe) Written() []byte {
	return bytes.Join(p.Writes(), nil)
}

// IsOpen implements Transport.
func (p *Pipe) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Close implements Transport.
func (p *Pipe) Close() error {
	p.CloseWithError(nil)
	return nil
}

// CloseWithError closes the pipe and reports err to close listeners, as a
// device disappearing would.
func (p *Pipe) CloseWithError(err error) {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return
	}
	p.open = false
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	p.Closed(err)
}
