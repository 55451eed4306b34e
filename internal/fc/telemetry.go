package fc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/mspconf/internal/msp"
)

// DefaultPollInterval is the MSP_STATUS rate (5 Hz).
const DefaultPollInterval = 200 * time.Millisecond

// Status is the decoded MSP_STATUS reply.
type Status struct {
	CycleTime uint16    `json:"cycleTime"` // µs
	I2CErrors uint16    `json:"i2cErrors"`
	Sensors   uint16    `json:"sensors"`   // bitmask
	ModeFlags uint32    `json:"modeFlags"` // active boxes
	Profile   uint8     `json:"profile"`
	Stamp     time.Time `json:"stamp"`
}

// ParseStatus decodes an MSP_STATUS payload.
func ParseStatus(b []byte) (Status, error) {
	if len(b) < 11 {
		return Status{}, fmt.Errorf("MSP_STATUS: short payload (%d bytes)", len(b))
	}
	return Status{
		CycleTime: binary.LittleEndian.Uint16(b[0:2]),
		I2CErrors: binary.LittleEndian.Uint16(b[2:4]),
		Sensors:   binary.LittleEndian.Uint16(b[4:6]),
		ModeFlags: binary.LittleEndian.Uint32(b[6:10]),
		Profile:   b[10],
	}, nil
}

// Poller requests MSP_STATUS periodically while running and publishes each
// decoded status to its subscribers.
type Poller struct {
	eng      *Engine
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *Status
	subs   map[int]func(Status)
	nextID int
}

// NewPoller returns a stopped poller.
func NewPoller(eng *Engine, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		eng:      eng,
		interval: interval,
		timeout:  timeout,
		subs:     make(map[int]func(Status)),
	}
}

// Start begins polling. It is a no-op if already running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
	log.Debugf("[telemetry] polling every %v", p.interval)
}

// Stop halts polling and waits for the loop to exit, so no poll request is
// written after Stop returns.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Debugf("[telemetry] stopped")
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Last returns the most recent status, if any.
func (p *Poller) Last() (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Status{}, false
	}
	return *p.last, true
}

// Subscribe registers fn for every new status. fn runs on the poll
// goroutine.
func (p *Poller) Subscribe(fn func(Status)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reply, err := p.eng.Send(ctx, msp.Status, nil, p.timeout)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			case IsDisconnected(err):
				log.Debugf("[telemetry] link down, polling ends")
				p.mu.Lock()
				if p.done == done {
					p.cancel()
					p.cancel, p.done = nil, nil
				}
				p.mu.Unlock()
				return
			case errors.Is(err, ErrCLIBlocked), errors.Is(err, ErrTimedOut):
				continue
			default:
				log.Debugf("[telemetry] %v", err)
				continue
			}
			st, err := ParseStatus(reply)
			if err != nil {
				log.Debugf("[telemetry] %v", err)
				continue
			}
			st.Stamp = time.Now()
			p.publish(st)
		}
	}
}

func (p *Poller) publish(st Status) {
	p.mu.Lock()
	p.last = &st
	fns := make([]func(Status), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
