// Package transport provides the byte-stream connections an MSP client runs
// over: serial ports, TCP sockets (SITL, ser2tcp bridges) and UDP endpoints.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Write once the transport has been closed.
var ErrClosed = errors.New("transport: closed")

// CancelFunc detaches a subscription. It is safe to call more than once.
type CancelFunc func()

// Transport is a bidirectional byte stream owned by the application.
type Transport interface {
	// Write blocks until p has been handed to the device or fails.
	Write(ctx context.Context, p []byte) error
	// Subscribe registers fn for every received chunk. fn runs on the
	// transport's read goroutine and must not block.
	Subscribe(fn func(chunk []byte)) CancelFunc
	// NotifyClose registers fn to run once when the transport closes.
	// If the transport is already closed fn runs immediately.
	NotifyClose(fn func(err error)) CancelFunc
	// IsOpen reports whether the transport can currently be written.
	IsOpen() bool
	// Close shuts the transport down and fires the close listeners.
	Close() error
}

// Hub implements the subscription half of Transport. Backends embed it and
// call Dispatch and Closed from their read loops.
type Hub struct {
	mu       sync.Mutex
	nextID   int
	data     map[int]func([]byte)
	onClose  map[int]func(error)
	closed   bool
	closeErr error
}

// Subscribe implements Transport.
func (h *Hub) Subscribe(fn func(chunk []byte)) CancelFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data == nil {
		h.data = make(map[int]func([]byte))
	}
	h.nextID++
	id := h.nextID
	h.data[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.data, id)
		h.mu.Unlock()
	}
}

// NotifyClose implements Transport.
func (h *Hub) NotifyClose(fn func(err error)) CancelFunc {
	h.mu.Lock()
	if h.closed {
		err := h.closeErr
		h.mu.Unlock()
		fn(err)
		return func() {}
	}
	if h.onClose == nil {
		h.onClose = make(map[int]func(error))
	}
	h.nextID++
	id := h.nextID
	h.onClose[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.onClose, id)
		h.mu.Unlock()
	}
}

// Dispatch delivers chunk to every subscriber. Subscribers get their own
// copy of the data.
func (h *Hub) Dispatch(chunk []byte) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	fns := make([]func([]byte), 0, len(h.data))
	for _, fn := range h.data {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		c := make([]byte, len(chunk))
		copy(c, chunk)
		fn(c)
	}
}

// Closed marks the hub closed and runs the close listeners exactly once.
// It reports whether this call performed the transition.
func (h *Hub) Closed(err error) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	h.closeErr = err
	fns := make([]func(error), 0, len(h.onClose))
	for _, fn := range h.onClose {
		fns = append(fns, fn)
	}
	h.onClose = nil
	h.data = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
	return true
}

// IsClosed reports whether Closed has been called.
func (h *Hub) IsClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
