package fc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/mspconf/internal/transport"
)

// CLIState is the position of the CLI bridge state machine.
type CLIState int

const (
	CLIBinary CLIState = iota
	CLIEntering
	CLIPromptConfirmed
	CLISending
	CLIExiting
)

func (s CLIState) String() string {
	switch s {
	case CLIBinary:
		return "binary"
	case CLIEntering:
		return "entering"
	case CLIPromptConfirmed:
		return "prompt"
	case CLISending:
		return "sending"
	case CLIExiting:
		return "exiting"
	}
	return fmt.Sprintf("CLIState(%d)", int(s))
}

// CLITimings are the waits of the CLI state machine. The firmware's CLI
// parser is line buffered and much slower than binary MSP.
type CLITimings struct {
	PromptWait time.Duration // Entering: wait for a prompt marker
	LineDelay  time.Duration // Sending: settle time after each line
	ExitDelay  time.Duration // Exiting: settle time after "exit"
	SaveDelay  time.Duration // settle time after "save"
}

// DefaultCLITimings match what F4/F7 targets on USB VCP need.
var DefaultCLITimings = CLITimings{
	PromptWait: 1500 * time.Millisecond,
	LineDelay:  100 * time.Millisecond,
	ExitDelay:  500 * time.Millisecond,
	SaveDelay:  1000 * time.Millisecond,
}

func (t CLITimings) withDefaults() CLITimings {
	if t.PromptWait == 0 {
		t.PromptWait = DefaultCLITimings.PromptWait
	}
	if t.LineDelay == 0 {
		t.LineDelay = DefaultCLITimings.LineDelay
	}
	if t.ExitDelay == 0 {
		t.ExitDelay = DefaultCLITimings.ExitDelay
	}
	if t.SaveDelay == 0 {
		t.SaveDelay = DefaultCLITimings.SaveDelay
	}
	return t
}

// Telemetry is the binary polling that must be paused while the wire
// carries CLI text.
type Telemetry interface {
	Start()
	Stop()
	Running() bool
}

// RunOptions controls how Run leaves the session.
type RunOptions struct {
	// KeepOpen skips "exit" so a later Save happens in the same session.
	KeepOpen bool
	// Save finishes with "save". The firmware reboots afterwards.
	Save bool
}

// CLIResult is the outcome of a CLI run.
type CLIResult struct {
	Output     string
	Sent       int  // lines that left the wire
	PromptSeen bool // a prompt marker was recognised
	Aborted    bool // the transport closed during the run
}

// Lines returns the non-empty output lines with line endings trimmed.
func (r *CLIResult) Lines() []string {
	var out []string
	for _, l := range strings.Split(r.Output, "\n") {
		l = strings.TrimSpace(strings.TrimRight(l, "\r"))
		if l == "" || l == "#" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// CLISession describes the current session, if any.
type CLISession struct {
	Active     bool      `json:"active"`
	State      string    `json:"state"`
	EnteredAt  time.Time `json:"enteredAt,omitempty"`
	PromptSeen bool      `json:"promptSeen"`
}

var errAborted = fmt.Errorf("cli: aborted: %w", ErrTransportClosed)

var promptMarkers = []string{"Entering CLI Mode", "\n# "}

// Bridge switches a connection between binary MSP and the firmware's text
// CLI. Operations are serialised by the caller (the config lock).
type Bridge struct {
	tr        transport.Transport
	telemetry Telemetry
	timings   CLITimings
	onBinary  func()

	mu         sync.Mutex
	resume     bool // telemetry was running before the session
	state      CLIState
	enteredAt  time.Time
	promptSeen bool
	out        bytes.Buffer
	promptCh   chan struct{}
	abortCh    chan struct{}
	cancelData transport.CancelFunc
}

// NewBridge returns a bridge on tr. onBinary, if set, runs every time the
// bridge returns to binary mode on an open transport.
func NewBridge(tr transport.Transport, telemetry Telemetry, timings CLITimings, onBinary func()) *Bridge {
	b := &Bridge{
		tr:        tr,
		telemetry: telemetry,
		timings:   timings.withDefaults(),
		onBinary:  onBinary,
	}
	tr.NotifyClose(b.onClose)
	return b
}

// State returns the current state.
func (b *Bridge) State() CLIState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Active reports whether a CLI session owns the wire.
func (b *Bridge) Active() bool { return b.State() != CLIBinary }

// Session returns a snapshot of the session state.
func (b *Bridge) Session() CLISession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CLISession{
		Active:     b.state != CLIBinary,
		State:      b.state.String(),
		EnteredAt:  b.enteredAt,
		PromptSeen: b.promptSeen,
	}
}

// Timings returns the effective timings.
func (b *Bridge) Timings() CLITimings { return b.timings }

// Run enters CLI mode, sends lines and leaves according to opts. A
// transport close is not an error: the result is marked Aborted and Sent
// tells how far it got. If a session is already open it is reused and left
// open.
func (b *Bridge) Run(ctx context.Context, lines []string, opts RunOptions) (*CLIResult, error) {
	res := &CLIResult{}
	reused := b.Active()

	if err := b.Enter(ctx); err != nil {
		if errors.Is(err, errAborted) {
			res.Aborted = true
			return res, nil
		}
		return nil, err
	}
	res.PromptSeen = b.Session().PromptSeen

	n, err := b.send(ctx, lines)
	res.Sent = n
	res.Output = b.output()
	switch {
	case errors.Is(err, errAborted):
		res.Aborted = true
		return res, nil
	case err != nil:
		b.finish()
		return res, err
	}

	switch {
	case opts.Save:
		err = b.leave(ctx, "save", b.timings.SaveDelay)
	case opts.KeepOpen || reused:
		return res, nil
	default:
		err = b.leave(ctx, "exit", b.timings.ExitDelay)
	}
	if errors.Is(err, errAborted) {
		// save and exit reboot most targets
		res.Aborted = true
		return res, nil
	}
	return res, err
}

// Enter switches to CLI mode. Telemetry is stopped before anything is
// written. A missing prompt is tolerated once PromptWait has passed.
func (b *Bridge) Enter(ctx context.Context) error {
	if !b.tr.IsOpen() {
		return fmt.Errorf("cli: %w: %w", ErrNotConnected, ErrTransportClosed)
	}
	b.mu.Lock()
	if b.state != CLIBinary {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	resume := false
	if b.telemetry != nil {
		resume = b.telemetry.Running()
		b.telemetry.Stop()
	}

	cancel := b.tr.Subscribe(b.onData)
	b.mu.Lock()
	b.resume = resume
	b.state = CLIEntering
	b.enteredAt = time.Now()
	b.promptSeen = false
	b.out.Reset()
	b.promptCh = make(chan struct{})
	b.abortCh = make(chan struct{})
	b.cancelData = cancel
	promptCh, abortCh := b.promptCh, b.abortCh
	b.mu.Unlock()
	log.Printf("[cli] entering CLI mode")

	if err := b.write(ctx, "#"); err != nil {
		return b.fail(err)
	}

	timer := time.NewTimer(b.timings.PromptWait)
	defer timer.Stop()
	select {
	case <-promptCh:
	case <-timer.C:
		log.Warnf("[cli] no prompt after %v, continuing", b.timings.PromptWait)
	case <-abortCh:
		return errAborted
	case <-ctx.Done():
		b.finish()
		return ctx.Err()
	}

	b.mu.Lock()
	if b.state == CLIEntering {
		b.state = CLIPromptConfirmed
	}
	b.mu.Unlock()
	return nil
}

// Send writes lines in an open session and returns the output they
// produced.
func (b *Bridge) Send(ctx context.Context, lines []string) (*CLIResult, error) {
	if !b.Active() {
		return nil, errors.New("cli: no active session")
	}
	n, err := b.send(ctx, lines)
	res := &CLIResult{Output: b.output(), Sent: n, PromptSeen: b.Session().PromptSeen}
	if errors.Is(err, errAborted) {
		res.Aborted = true
		return res, nil
	}
	return res, err
}

func (b *Bridge) send(ctx context.Context, lines []string) (int, error) {
	b.mu.Lock()
	if b.state == CLIBinary {
		b.mu.Unlock()
		return 0, errAborted
	}
	b.state = CLISending
	b.out.Reset()
	abortCh := b.abortCh
	b.mu.Unlock()

	sent := 0
	for _, line := range lines {
		if err := b.write(ctx, line+"\n"); err != nil {
			return sent, b.fail(err)
		}
		sent++
		log.Debugf("[cli] > %s", line)
		if err := b.wait(ctx, abortCh, b.timings.LineDelay); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// Exit leaves CLI mode. A reboot-triggered close while exiting is not an
// error.
func (b *Bridge) Exit(ctx context.Context) error {
	return ignoreAbort(b.leave(ctx, "exit", b.timings.ExitDelay))
}

// Save sends "save" in the open session. Most firmware reboots after
// saving, so the transport usually closes.
func (b *Bridge) Save(ctx context.Context) error {
	if !b.Active() {
		return errors.New("cli: no active session")
	}
	return ignoreAbort(b.leave(ctx, "save", b.timings.SaveDelay))
}

func ignoreAbort(err error) error {
	if errors.Is(err, errAborted) {
		return nil
	}
	return err
}

func (b *Bridge) leave(ctx context.Context, cmd string, delay time.Duration) error {
	b.mu.Lock()
	if b.state == CLIBinary {
		b.mu.Unlock()
		return nil
	}
	b.state = CLIExiting
	abortCh := b.abortCh
	b.mu.Unlock()

	log.Printf("[cli] %s", cmd)
	if err := b.write(ctx, cmd+"\n"); err != nil {
		return b.fail(err)
	}
	if err := b.wait(ctx, abortCh, delay); err != nil {
		return err
	}
	b.finish()
	return nil
}

func (b *Bridge) wait(ctx context.Context, abortCh <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-abortCh:
		return errAborted
	case <-ctx.Done():
		b.finish()
		return ctx.Err()
	}
}

func (b *Bridge) write(ctx context.Context, s string) error {
	return b.tr.Write(ctx, []byte(s))
}

// fail maps a write error to errAborted when the transport went away and
// otherwise tears the session down.
func (b *Bridge) fail(err error) error {
	if !b.tr.IsOpen() {
		b.reset()
		return errAborted
	}
	b.finish()
	return fmt.Errorf("cli: write: %w", err)
}

func (b *Bridge) output() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.out.String()
}

func (b *Bridge) onData(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CLIBinary {
		return
	}
	b.out.Write(chunk)
	if b.state == CLIEntering && !b.promptSeen && hasPrompt(b.out.Bytes()) {
		b.promptSeen = true
		close(b.promptCh)
	}
}

func hasPrompt(buf []byte) bool {
	if bytes.HasPrefix(buf, []byte("# ")) {
		return true
	}
	for _, m := range promptMarkers {
		if bytes.Contains(buf, []byte(m)) {
			return true
		}
	}
	return false
}

// finish returns to binary mode and restarts telemetry if it was running.
func (b *Bridge) finish() {
	b.mu.Lock()
	resume := b.resume
	b.mu.Unlock()
	if !b.reset() {
		return
	}
	if !b.tr.IsOpen() {
		return
	}
	log.Printf("[cli] back to binary MSP")
	if b.onBinary != nil {
		b.onBinary()
	}
	if resume && b.telemetry != nil {
		b.telemetry.Start()
	}
}

// reset clears the session and reports whether one was active.
func (b *Bridge) reset() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CLIBinary {
		return false
	}
	b.state = CLIBinary
	b.promptSeen = false
	b.enteredAt = time.Time{}
	if b.cancelData != nil {
		b.cancelData()
		b.cancelData = nil
	}
	return true
}

func (b *Bridge) onClose(err error) {
	b.mu.Lock()
	abortCh := b.abortCh
	active := b.state != CLIBinary
	b.mu.Unlock()
	if !active {
		return
	}
	log.Printf("[cli] transport closed during session (%v)", err)
	b.reset()
	close(abortCh)
}
