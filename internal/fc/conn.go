package fc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-version"
	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/mspconf/internal/msp"
	"github.com/shaunagostinho/mspconf/internal/transport"
)

// Firmware variant identifiers reported by MSP_FC_VARIANT.
const (
	VariantInav        = "INAV"
	VariantBetaflight  = "BTFL"
	VariantCleanflight = "CLFL"
)

// DefaultInavTimeout is the request timeout for iNav boards, which answer
// noticeably slower than Betaflight.
const DefaultInavTimeout = 3 * time.Second

// minModernAPI is the first MSP API with the binary config commands.
var minModernAPI = version.Must(version.NewVersion("1.16"))

// Options configures a Conn. Zero values select defaults.
type Options struct {
	Version      msp.Version
	Timeout      time.Duration
	InavTimeout  time.Duration
	StaleWindow  time.Duration
	PollInterval time.Duration
	// ForceLegacy routes every domain write through the CLI.
	ForceLegacy bool
	CLI         CLITimings
	Tracer      Tracer
}

// Firmware identifies the connected board.
type Firmware struct {
	Variant    string `json:"variant"`
	Version    string `json:"version"`
	APIVersion string `json:"apiVersion"`
	Name       string `json:"name"`

	api *version.Version
	fw  *version.Version
}

// Known reports whether identification succeeded.
func (f Firmware) Known() bool { return f.Variant != "" }

// AtLeast reports whether the firmware version is v or newer.
func (f Firmware) AtLeast(v string) bool {
	want, err := version.NewVersion(v)
	if err != nil || f.fw == nil {
		return false
	}
	return f.fw.GreaterThanOrEqual(want)
}

// Conn is the per-connection context: every piece of state that must not
// outlive or cross a connection lives here.
type Conn struct {
	tr          transport.Transport
	opts        Options
	Engine      *Engine
	Lock        *ConfigLock
	Unsupported *Unsupported
	CLI         *Bridge
	Telemetry   *Poller

	mu sync.Mutex
	fw Firmware
}

// NewConn builds the connection context on an open transport.
func NewConn(tr transport.Transport, opts Options) *Conn {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.InavTimeout <= 0 {
		opts.InavTimeout = DefaultInavTimeout
	}
	c := &Conn{
		tr:          tr,
		opts:        opts,
		Lock:        &ConfigLock{},
		Unsupported: NewUnsupported(),
	}
	c.Telemetry = NewPoller(nil, opts.PollInterval, opts.Timeout)
	c.CLI = NewBridge(tr, c.Telemetry, opts.CLI, func() { c.Engine.Resync() })
	c.Engine = NewEngine(tr, c.Unsupported, EngineOptions{
		Version:     opts.Version,
		StaleWindow: opts.StaleWindow,
		Tracer:      opts.Tracer,
		Blocked:     c.CLI.Active,
	})
	c.Telemetry.eng = c.Engine
	tr.NotifyClose(c.onClose)
	return c
}

// Transport returns the underlying transport.
func (c *Conn) Transport() transport.Transport { return c.tr }

// IsOpen reports whether the transport is open.
func (c *Conn) IsOpen() bool { return c.tr.IsOpen() }

// Send issues a request with the timeout appropriate for the board.
func (c *Conn) Send(ctx context.Context, code uint16, payload []byte) ([]byte, error) {
	return c.Engine.Send(ctx, code, payload, c.Timeout(code))
}

// Timeout returns the request timeout for code on this board.
func (c *Conn) Timeout(code uint16) time.Duration {
	t := c.opts.Timeout
	if c.IsInav() {
		t = c.opts.InavTimeout
	}
	if code == msp.EepromWrite {
		// flash erase on F4 targets
		t *= 2
	}
	return t
}

// Firmware returns the identified firmware.
func (c *Conn) Firmware() Firmware {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fw
}

// IsInav reports whether the board runs iNav.
func (c *Conn) IsInav() bool { return c.Firmware().Variant == VariantInav }

// Legacy reports whether domain writes should go straight to the CLI:
// Cleanflight, an MSP API older than 1.16, or forced by configuration.
func (c *Conn) Legacy() bool {
	if c.opts.ForceLegacy {
		return true
	}
	fw := c.Firmware()
	if fw.Variant == VariantCleanflight {
		return true
	}
	return fw.api != nil && fw.api.LessThan(minModernAPI)
}

// Identify queries the board identity. Only MSP_API_VERSION and
// MSP_FC_VARIANT are required; the rest is best effort.
func (c *Conn) Identify(ctx context.Context) (Firmware, error) {
	var fw Firmware

	reply, err := c.Engine.Send(ctx, msp.APIVersion, nil, c.opts.InavTimeout)
	if err != nil {
		return fw, fmt.Errorf("identify: %w", err)
	}
	if len(reply) < 3 {
		return fw, fmt.Errorf("identify: short %s reply", msp.CommandName(msp.APIVersion))
	}
	fw.APIVersion = fmt.Sprintf("%d.%d", reply[1], reply[2])
	fw.api, _ = version.NewVersion(fw.APIVersion)

	reply, err = c.Engine.Send(ctx, msp.FCVariant, nil, c.opts.InavTimeout)
	if err != nil {
		return fw, fmt.Errorf("identify: %w", err)
	}
	fw.Variant = strings.TrimRight(string(reply), "\x00")

	if reply, err = c.Engine.Send(ctx, msp.FCVersion, nil, c.opts.InavTimeout); err == nil && len(reply) >= 3 {
		fw.Version = fmt.Sprintf("%d.%d.%d", reply[0], reply[1], reply[2])
		fw.fw, _ = version.NewVersion(fw.Version)
	}
	if reply, err = c.Engine.Send(ctx, msp.Name, nil, c.opts.InavTimeout); err == nil {
		fw.Name = strings.TrimRight(string(reply), "\x00")
	}

	c.mu.Lock()
	c.fw = fw
	c.mu.Unlock()

	if fw.Variant == VariantInav {
		c.Engine.SetVersion(msp.V2)
	}
	log.Printf("[fc] %s %s (API %s) %q", fw.Variant, fw.Version, fw.APIVersion, fw.Name)
	return fw, nil
}

// Close detaches from and closes the transport.
func (c *Conn) Close() error {
	c.Telemetry.Stop()
	return c.tr.Close()
}

func (c *Conn) onClose(err error) {
	if err != nil {
		log.Printf("[fc] link closed: %v", err)
	} else {
		log.Printf("[fc] link closed")
	}
	c.Lock.ForceRelease()
	go c.Telemetry.Stop()
}
