package fc

import (
	"errors"
	"strings"
)

var (
	// ErrNotConnected is returned when no transport is open. It is always
	// reported together with ErrTransportClosed.
	ErrNotConnected = errors.New("not connected")

	// ErrTransportClosed is returned when the transport closed before or
	// while a request was outstanding.
	ErrTransportClosed = errors.New("transport closed")

	// ErrTimedOut is returned when no correlated reply arrived in time.
	ErrTimedOut = errors.New("request timed out")

	// ErrNotSupported is returned when the firmware rejected a command.
	ErrNotSupported = errors.New("command not supported by firmware")

	// ErrVerificationMismatch is returned when a read-back after a write
	// disagrees with what was written.
	ErrVerificationMismatch = errors.New("verification mismatch")

	// ErrCLIBlocked is returned for MSP requests issued while a CLI
	// session owns the wire. It says nothing about firmware capability.
	ErrCLIBlocked = errors.New("CLI mode is active, MSP blocked")
)

var notSupportedText = []string{
	"not supported",
	"unsupported",
	"unknown command",
	"invalid name",
}

// IsNotSupported reports whether err means the firmware does not implement
// a command: either ErrNotSupported or a recognised firmware error text.
// CLI blocks and timeouts never qualify.
func IsNotSupported(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCLIBlocked) || errors.Is(err, ErrTimedOut) {
		return false
	}
	if errors.Is(err, ErrNotSupported) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range notSupportedText {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsDisconnected reports whether err is caused by a missing or closed
// transport.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTransportClosed)
}
