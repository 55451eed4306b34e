package fc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/mspconf/internal/msp"
	"github.com/shaunagostinho/mspconf/internal/transport"
)

const (
	// DefaultTimeout applies to requests sent without an explicit timeout.
	DefaultTimeout = 1 * time.Second

	// DefaultStaleWindow is how long a timed-out command's late reply is
	// still expected and discarded.
	DefaultStaleWindow = 3 * time.Second
)

// Exchange describes one completed request/response round-trip.
type Exchange struct {
	Code     uint16
	Version  msp.Version
	Request  int // payload bytes sent
	Reply    int // payload bytes received
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Tracer receives every completed exchange.
type Tracer interface {
	Trace(x Exchange)
}

type result struct {
	payload []byte
	err     error
}

type pendingRequest struct {
	code uint16
	done chan result // buffered, resolved exactly once
}

type staleReply struct {
	code  uint16
	until time.Time
}

// Engine issues MSP requests over a transport with at most one request
// outstanding. Replies are correlated by command code.
type Engine struct {
	tr          transport.Transport
	unsupported *Unsupported
	blocked     func() bool
	tracer      Tracer
	staleWindow time.Duration

	queue gate

	mu      sync.Mutex
	version msp.Version
	dec     msp.Decoder
	pending *pendingRequest
	stale   []staleReply
	closed  bool

	cancelData  transport.CancelFunc
	cancelClose transport.CancelFunc
}

// EngineOptions configures an Engine. Zero values select defaults.
type EngineOptions struct {
	Version     msp.Version
	StaleWindow time.Duration
	Tracer      Tracer
	// Blocked reports whether a CLI session currently owns the wire.
	Blocked func() bool
}

// NewEngine attaches an engine to tr.
func NewEngine(tr transport.Transport, unsupported *Unsupported, opts EngineOptions) *Engine {
	if opts.Version == 0 {
		opts.Version = msp.V1
	}
	if opts.StaleWindow == 0 {
		opts.StaleWindow = DefaultStaleWindow
	}
	if unsupported == nil {
		unsupported = NewUnsupported()
	}
	e := &Engine{
		tr:          tr,
		unsupported: unsupported,
		blocked:     opts.Blocked,
		tracer:      opts.Tracer,
		staleWindow: opts.StaleWindow,
		version:     opts.Version,
	}
	e.cancelData = tr.Subscribe(e.onData)
	e.cancelClose = tr.NotifyClose(e.onClose)
	return e
}

// SetVersion selects the frame version for codes that fit in v1.
func (e *Engine) SetVersion(v msp.Version) {
	e.mu.Lock()
	e.version = v
	e.mu.Unlock()
}

// Version returns the preferred frame version.
func (e *Engine) Version() msp.Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Resync drops any partially buffered frame. Called after the wire carried
// CLI text.
func (e *Engine) Resync() {
	e.mu.Lock()
	e.dec.Reset()
	e.mu.Unlock()
}

// Detach stops listening to the transport.
func (e *Engine) Detach() {
	e.cancelData()
	e.cancelClose()
}

func (e *Engine) precondition() error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed || !e.tr.IsOpen() {
		return fmt.Errorf("%w: %w", ErrNotConnected, ErrTransportClosed)
	}
	if e.blocked != nil && e.blocked() {
		return ErrCLIBlocked
	}
	return nil
}

// Send writes a request for code and waits for its reply payload. Callers
// queue in FIFO order behind the outstanding request.
func (e *Engine) Send(ctx context.Context, code uint16, payload []byte, timeout time.Duration) ([]byte, error) {
	if err := e.precondition(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	tok, err := e.queue.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.queue.release(tok)

	// State may have changed while queued.
	if err := e.precondition(); err != nil {
		return nil, err
	}

	x := Exchange{Code: code, Request: len(payload), Started: time.Now()}
	reply, err := e.roundTrip(ctx, code, payload, timeout, &x)
	x.Duration = time.Since(x.Started)
	x.Reply = len(reply)
	x.Err = err

	switch {
	case err == nil:
		e.unsupported.Clear(code)
	case errors.Is(err, ErrNotSupported):
		e.unsupported.Mark(code)
	}
	if e.tracer != nil {
		e.tracer.Trace(x)
	}
	return reply, err
}

func (e *Engine) roundTrip(ctx context.Context, code uint16, payload []byte, timeout time.Duration, x *Exchange) ([]byte, error) {
	name := msp.CommandName(code)

	e.mu.Lock()
	v := e.version
	e.mu.Unlock()
	if msp.RequiresV2(code) {
		v = msp.V2
	}
	x.Version = v

	frame, err := msp.EncodeRequest(v, code, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	p := &pendingRequest{code: code, done: make(chan result, 1)}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", name, ErrTransportClosed)
	}
	e.pending = p
	e.mu.Unlock()

	log.Debugf("[msp] -> %s (%s, %d bytes)", name, v, len(payload))
	if err := e.tr.Write(ctx, frame); err != nil {
		e.abandon(p, false)
		if !e.tr.IsOpen() || errors.Is(err, transport.ErrClosed) {
			return nil, fmt.Errorf("%s: %w", name, ErrTransportClosed)
		}
		return nil, fmt.Errorf("%s: write: %w", name, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		return r.payload, r.err
	case <-timer.C:
		if r, ok := e.abandon(p, true); ok {
			return r.payload, r.err
		}
		log.Printf("[msp] %s timed out after %v", name, timeout)
		return nil, fmt.Errorf("%s: %w after %v", name, ErrTimedOut, timeout)
	case <-ctx.Done():
		if r, ok := e.abandon(p, true); ok {
			return r.payload, r.err
		}
		return nil, fmt.Errorf("%s: %w", name, ctx.Err())
	}
}

// abandon detaches p. If p was resolved concurrently its result is
// returned with ok set. Otherwise, when stale is set, a late reply for the
// command is expected and will be discarded, and any partial frame is
// dropped.
func (e *Engine) abandon(p *pendingRequest, stale bool) (result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending != p {
		select {
		case r := <-p.done:
			return r, true
		default:
			return result{}, false
		}
	}
	e.pending = nil
	if stale {
		e.stale = append(e.stale, staleReply{code: p.code, until: time.Now().Add(e.staleWindow)})
		// drop a stalled partial frame so the next request starts clean
		e.dec.Reset()
	}
	return result{}, false
}

func (e *Engine) onData(chunk []byte) {
	if e.blocked != nil && e.blocked() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dec.Write(chunk)
	for {
		f, err := e.dec.Next()
		if errors.Is(err, msp.ErrIncomplete) {
			return
		}
		if err != nil {
			log.Debugf("[msp] dropped frame: %v", err)
			continue
		}
		e.handleFrame(f)
	}
}

// handleFrame runs with e.mu held.
func (e *Engine) handleFrame(f *msp.Frame) {
	if f.Direction == msp.DirRequest {
		return
	}
	name := msp.CommandName(f.Code)

	now := time.Now()
	live := e.stale[:0]
	discard := false
	for _, s := range e.stale {
		if now.After(s.until) {
			continue
		}
		if !discard && s.code == f.Code {
			discard = true
			continue
		}
		live = append(live, s)
	}
	e.stale = live
	if discard {
		log.Debugf("[msp] discarded late reply for %s", name)
		return
	}

	p := e.pending
	if p == nil || p.code != f.Code {
		log.Debugf("[msp] unsolicited %s reply", name)
		return
	}
	e.pending = nil

	if f.Direction == msp.DirError {
		p.done <- result{err: fmt.Errorf("%s: %w", name, ErrNotSupported)}
		return
	}
	log.Debugf("[msp] <- %s (%d bytes)", name, len(f.Payload))
	p.done <- result{payload: f.Payload}
}

func (e *Engine) onClose(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stale = nil
	e.dec.Reset()
	if p := e.pending; p != nil {
		e.pending = nil
		p.done <- result{err: fmt.Errorf("%s: %w", msp.CommandName(p.code), ErrTransportClosed)}
	}
}
