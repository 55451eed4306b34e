package fc

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Outcome classifies the result of one strategy.
type Outcome int

const (
	OK Outcome = iota
	// Retryable failures let the next strategy run: timeouts, firmware
	// rejections and CLI blocks.
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Retryable:
		return "retryable"
	}
	return "fatal"
}

// Strategy is one way of carrying out an operation, e.g. MSP2, then MSP v1,
// then CLI.
type Strategy struct {
	Name string
	Run  func(ctx context.Context) error
}

// ErrNoStrategy is returned when every strategy was skipped.
var ErrNoStrategy = errors.New("no applicable strategy")

// Classify maps an error to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrTimedOut), errors.Is(err, ErrCLIBlocked), IsNotSupported(err):
		return Retryable
	}
	return Fatal
}

// RunStrategies tries each strategy in order until one succeeds or fails
// fatally. If all of them fail retryably the last error is returned.
func RunStrategies(ctx context.Context, op string, strategies ...Strategy) error {
	var last error
	for _, s := range strategies {
		if s.Run == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.Run(ctx)
		switch Classify(err) {
		case OK:
			if last != nil {
				log.Printf("[%s] succeeded via %s", op, s.Name)
			}
			return nil
		case Fatal:
			return fmt.Errorf("%s via %s: %w", op, s.Name, err)
		}
		log.Printf("[%s] %s failed (%v), trying next", op, s.Name, err)
		last = fmt.Errorf("%s via %s: %w", op, s.Name, err)
	}
	if last == nil {
		return fmt.Errorf("%s: %w", op, ErrNoStrategy)
	}
	return last
}
