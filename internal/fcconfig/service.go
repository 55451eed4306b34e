// Package fcconfig reads and writes flight-controller configuration:
// mode ranges, features, mixer and platform, motor and servo mixes.
//
// Every operation runs under the connection's config lock. Writes try the
// binary commands first and fall back to the text CLI when the firmware
// rejects them or does not answer; reads return nil when the firmware is
// known not to implement the command.
package fcconfig

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/msp"
)

// Options configures a Service.
type Options struct {
	// SaveAfterCLI ends a CLI fallback with "save" so the change survives
	// the reboot. When false the session is left with "exit" and the
	// change only lasts until power-off.
	SaveAfterCLI bool
}

// DefaultOptions saves after CLI fallbacks.
var DefaultOptions = Options{SaveAfterCLI: true}

// Service exposes the configuration of one connected board.
type Service struct {
	conn *fc.Conn
	opts Options
}

// New returns a Service bound to conn.
func New(conn *fc.Conn, opts Options) *Service {
	return &Service{conn: conn, opts: opts}
}

// Conn returns the underlying connection.
func (s *Service) Conn() *fc.Conn { return s.conn }

// read issues a binary read. ok is false when the command is known to be
// unsupported or the firmware rejected it; the error is only set for
// failures that say nothing about capability (timeouts, CLI blocks, a
// closed link).
func (s *Service) read(ctx context.Context, code uint16, payload []byte) (reply []byte, ok bool, err error) {
	if s.conn.Unsupported.IsUnsupported(code) {
		return nil, false, nil
	}
	reply, err = s.conn.Send(ctx, code, payload)
	switch {
	case err == nil:
		return reply, true, nil
	case fc.IsNotSupported(err):
		s.conn.Unsupported.Mark(code)
		return nil, false, nil
	}
	return nil, false, err
}

// binary returns run unless the board takes writes over the CLI only or
// code is already known to be unsupported.
func (s *Service) binary(code uint16, run func(ctx context.Context) error) func(ctx context.Context) error {
	if s.conn.Legacy() || s.conn.Unsupported.IsUnsupported(code) {
		return nil
	}
	return run
}

// send is a binary write: the reply payload is ignored.
func (s *Service) send(ctx context.Context, code uint16, payload []byte) error {
	_, err := s.conn.Send(ctx, code, payload)
	return err
}

var cliErrors = []string{
	"Parse error",
	"Invalid name",
	"Invalid value",
	"Unknown command",
	"ERROR",
}

// cli runs lines in a CLI session. A link that closes once every line has
// left the wire is the reboot after "save" and counts as success.
func (s *Service) cli(ctx context.Context, lines []string, keepOpen bool) (*fc.CLIResult, error) {
	opts := fc.RunOptions{KeepOpen: keepOpen, Save: s.opts.SaveAfterCLI && !keepOpen}
	res, err := s.conn.CLI.Run(ctx, lines, opts)
	if err != nil {
		return nil, err
	}
	if res.Aborted && res.Sent < len(lines) {
		return res, fmt.Errorf("cli: link closed after %d of %d lines: %w", res.Sent, len(lines), fc.ErrTransportClosed)
	}
	for _, l := range res.Lines() {
		for _, e := range cliErrors {
			if strings.HasPrefix(l, e) {
				return res, fmt.Errorf("cli: %s", l)
			}
		}
	}
	return res, nil
}

// cliRead runs a listing command and leaves the session as it found it.
func (s *Service) cliRead(ctx context.Context, cmd string) (*fc.CLIResult, error) {
	res, err := s.conn.CLI.Run(ctx, []string{cmd}, fc.RunOptions{})
	if err != nil {
		return nil, err
	}
	if res.Aborted {
		return res, fmt.Errorf("cli: %s: %w", cmd, fc.ErrTransportClosed)
	}
	return res, nil
}

// match applies re to every output line and calls fn with the submatches
// of those that match. Other lines are ignored.
func match(res *fc.CLIResult, re *regexp.Regexp, fn func(m []string)) {
	for _, l := range res.Lines() {
		if m := re.FindStringSubmatch(l); m != nil {
			fn(m)
		}
	}
}

// Save persists the configuration: "save" inside an open CLI session,
// otherwise MSP_EEPROM_WRITE.
func (s *Service) Save(ctx context.Context) error {
	return s.conn.Lock.Do(ctx, func(ctx context.Context) error {
		if s.conn.CLI.Active() {
			log.Printf("[config] saving via CLI")
			return s.conn.CLI.Save(ctx)
		}
		log.Printf("[config] writing EEPROM")
		return s.send(ctx, msp.EepromWrite, nil)
	})
}
