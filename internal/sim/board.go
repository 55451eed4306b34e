// Package sim is a simulated flight controller. It speaks MSP v1/v2 and the
// firmware's text CLI over an in-memory transport, for demo mode and tests.
package sim

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/mspconf/internal/msp"
	"github.com/shaunagostinho/mspconf/internal/transport"
)

const (
	MaxModeRanges  = 20
	MaxMotorRules  = 12
	MaxServoRules  = 16
	defaultVariant = "INAV"
)

// ErrReboot is the close cause reported when the simulated board reboots.
var ErrReboot = errors.New("sim: board rebooting")

// Options shapes the simulated firmware and its misbehaviour.
type Options struct {
	Variant    string  // INAV, BTFL or CLFL
	APIVersion [2]byte // major, minor
	FWVersion  [3]byte
	Name       string

	// Unsupported commands are answered with an error frame.
	Unsupported []uint16
	// Dropped commands are never answered.
	Dropped []uint16
	// RefuseFeatures are feature bits MSP_SET_FEATURE silently ignores.
	RefuseFeatures uint32
	// SilentPrompt suppresses the CLI banner and prompt.
	SilentPrompt bool
	// RebootOnExit makes "exit" reboot the board, discarding unsaved
	// changes, as Betaflight does.
	RebootOnExit bool
	// StayUpOnSave keeps the link open after "save".
	StayUpOnSave bool
	// CloseAfterLines reboots the board after that many CLI lines.
	CloseAfterLines int
	// ReplyDelay postpones every MSP reply.
	ReplyDelay time.Duration
}

// ModeRange is one aux slot, in 25 µs steps above 900 µs.
type ModeRange struct {
	Box, Aux, Start, End uint8
}

type MotorRule struct {
	Throttle, Roll, Pitch, Yaw float64
}

type ServoRule struct {
	Target, Input uint8
	Rate          int16
	Speed         uint8
	Condition     int8
}

// Config is the board's settings.
type Config struct {
	ModeRanges       [MaxModeRanges]ModeRange
	Features         uint32
	Platform         uint8
	MixerMode        uint8
	Reversed         bool
	MotorDirInverted bool
	MotorStopOnLow   bool
	HasFlaps         bool
	AppliedPreset    uint16
	Motors           []MotorRule
	Servos           []ServoRule
}

func (c Config) clone() Config {
	c.Motors = append([]MotorRule(nil), c.Motors...)
	c.Servos = append([]ServoRule(nil), c.Servos...)
	return c
}

// DefaultConfig is a quad X with ARM on AUX1 high and ANGLE on AUX2.
func DefaultConfig() Config {
	c := Config{
		Features:  1<<7 | 1<<10 | 1<<29, // GPS, TELEMETRY, OSD
		MixerMode: 3,                    // QUADX
		Motors: []MotorRule{
			{1, -1, 1, -1},
			{1, -1, -1, 1},
			{1, 1, 1, 1},
			{1, 1, -1, -1},
		},
	}
	c.ModeRanges[0] = ModeRange{Box: 0, Aux: 0, Start: 32, End: 48}
	c.ModeRanges[1] = ModeRange{Box: 1, Aux: 1, Start: 0, End: 16}
	return c
}

// Board holds the persistent (saved) configuration across reboots.
type Board struct {
	mu    sync.Mutex
	opts  Options
	saved Config
	boots int
}

// NewBoard returns a board with DefaultConfig saved.
func NewBoard(opts Options) *Board {
	if opts.Variant == "" {
		opts.Variant = defaultVariant
	}
	if opts.APIVersion == ([2]byte{}) {
		opts.APIVersion = [2]byte{2, 5}
	}
	if opts.FWVersion == ([3]byte{}) {
		opts.FWVersion = [3]byte{7, 1, 0}
	}
	if opts.Name == "" {
		opts.Name = "SIM"
	}
	return &Board{opts: opts, saved: DefaultConfig()}
}

// Saved returns a copy of the saved configuration.
func (b *Board) Saved() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saved.clone()
}

// SetSaved replaces the saved configuration.
func (b *Board) SetSaved(c Config) {
	b.mu.Lock()
	b.saved = c.clone()
	b.mu.Unlock()
}

// Boots counts reboots.
func (b *Board) Boots() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.boots
}

func (b *Board) save(c Config) {
	b.mu.Lock()
	b.saved = c.clone()
	b.mu.Unlock()
}

// Connect powers the board up and returns a fresh link to it.
func (b *Board) Connect() *Link {
	l := &Link{
		Pipe:  transport.NewPipe(),
		board: b,
		opts:  b.opts,
		cfg:   b.Saved(),
	}
	l.unsupported = make(map[uint16]bool)
	for _, c := range b.opts.Unsupported {
		l.unsupported[c] = true
	}
	l.dropped = make(map[uint16]bool)
	for _, c := range b.opts.Dropped {
		l.dropped[c] = true
	}
	l.SetResponder(l.respond)
	log.Debugf("[sim] %s board up", b.opts.Variant)
	return l
}

// Link is one power cycle of the board as seen over its port. It is a
// transport.Transport.
type Link struct {
	*transport.Pipe
	board *Board
	opts  Options

	mu          sync.Mutex
	cfg         Config
	unsupported map[uint16]bool
	dropped     map[uint16]bool
	dec         msp.Decoder
	cli         bool
	line        []byte
	cliLines    []string
	requests    []uint16
	rebooting   bool
}

// Working returns a copy of the live (unsaved) configuration.
func (l *Link) Working() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.clone()
}

// CLILines returns every CLI line received, in order.
func (l *Link) CLILines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.cliLines...)
}

// Requests returns every MSP command received, in order.
func (l *Link) Requests() []uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint16(nil), l.requests...)
}

// InCLI reports whether the board is in CLI mode.
func (l *Link) InCLI() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cli
}

func (l *Link) respond(p *transport.Pipe, w []byte) {
	l.mu.Lock()
	out, reboot := l.consume(w)
	l.mu.Unlock()

	for _, o := range out {
		if o.delay > 0 {
			chunk := o.data
			time.AfterFunc(o.delay, func() { p.Inject(chunk) })
			continue
		}
		p.Inject(o.data)
	}
	if reboot {
		l.reboot()
	}
}

type output struct {
	data  []byte
	delay time.Duration
}

// consume runs with l.mu held.
func (l *Link) consume(w []byte) (out []output, reboot bool) {
	if l.rebooting {
		return nil, false
	}
	for len(w) > 0 {
		if l.cli {
			i := 0
			for ; i < len(w); i++ {
				if w[i] != '\n' {
					continue
				}
				line := string(trimCR(append(l.line, w[:i]...)))
				l.line = l.line[:0]
				o, rb := l.cliLine(line)
				if len(o) > 0 {
					out = append(out, output{data: o})
				}
				if rb {
					l.rebooting = true
					return out, true
				}
				w = w[i+1:]
				break
			}
			if i == len(w) {
				l.line = append(l.line, w...)
				return out, false
			}
			continue
		}

		if w[0] == '#' && l.dec.Buffered() == 0 {
			l.cli = true
			l.line = l.line[:0]
			if !l.opts.SilentPrompt {
				out = append(out, output{data: []byte("\r\nEntering CLI Mode, type 'exit' to return, or 'help'\r\n\r\n# ")})
			}
			w = w[1:]
			continue
		}

		l.dec.Write(w)
		w = nil
		for {
			f, err := l.dec.Next()
			if errors.Is(err, msp.ErrIncomplete) {
				break
			}
			if err != nil || f.Direction != msp.DirRequest {
				continue
			}
			l.requests = append(l.requests, f.Code)
			reply, rb := l.handleMSP(f)
			if reply != nil {
				out = append(out, output{data: reply, delay: l.opts.ReplyDelay})
			}
			if rb {
				l.rebooting = true
				return out, true
			}
		}
	}
	return out, false
}

func (l *Link) reboot() {
	l.board.mu.Lock()
	l.board.boots++
	l.board.mu.Unlock()
	log.Debugf("[sim] rebooting")
	// let queued output reach the host first
	l.Drain()
	l.CloseWithError(ErrReboot)
}

func trimCR(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
