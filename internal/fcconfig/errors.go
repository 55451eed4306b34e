package fcconfig

import (
	"errors"

	"github.com/shaunagostinho/mspconf/internal/fc"
)

// ErrInvalid is returned when a value is rejected before anything is sent.
var ErrInvalid = errors.New("invalid value")

// UserMessage turns an error from this package into a sentence fit for an
// operator. Unrecognised errors are returned verbatim.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalid):
		return "The value is out of range: " + err.Error()
	case errors.Is(err, fc.ErrVerificationMismatch):
		return "The flight controller did not keep the new value. Check that the firmware supports it."
	case errors.Is(err, fc.ErrNotConnected), errors.Is(err, fc.ErrTransportClosed):
		return "The flight controller is not connected, or the connection was lost."
	case errors.Is(err, fc.ErrCLIBlocked):
		return "A CLI session is in progress. Save or exit it and try again."
	case errors.Is(err, fc.ErrTimedOut):
		return "The flight controller did not answer in time."
	case errors.Is(err, fc.ErrNoStrategy), fc.IsNotSupported(err):
		return "This firmware does not support the operation."
	}
	return err.Error()
}
