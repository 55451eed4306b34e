package fcconfig

import (
	"context"
	"fmt"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/msp"
)

// Aux channel PWM is carried in 25 µs steps above 900 µs.
const (
	pwmBase = 900
	pwmStep = 25
)

// ModeRange activates a flight mode (box) while an aux channel is inside
// [RangeStart, RangeEnd), in PWM microseconds.
type ModeRange struct {
	Index      int   `json:"index"`
	BoxID      uint8 `json:"boxId"`
	AuxChannel uint8 `json:"auxChannel"`
	RangeStart int   `json:"rangeStart"`
	RangeEnd   int   `json:"rangeEnd"`
}

// Active reports whether the range can ever match.
func (r ModeRange) Active() bool { return r.RangeEnd > r.RangeStart }

// PWMToStep converts a channel value to the firmware's step encoding.
func PWMToStep(pwm int) (uint8, error) {
	step := (pwm - pwmBase) / pwmStep
	if pwm < pwmBase || step > 255 {
		return 0, fmt.Errorf("pwm %d out of range: %w", pwm, ErrInvalid)
	}
	return uint8(step), nil
}

// StepToPWM converts a step back to microseconds.
func StepToPWM(step uint8) int { return pwmBase + int(step)*pwmStep }

// ModeRanges returns the configured mode ranges. Slots whose end is not
// above their start are left out. The result is nil when the firmware
// does not implement MSP_MODE_RANGES.
func (s *Service) ModeRanges(ctx context.Context) ([]ModeRange, error) {
	return fc.WithLock(ctx, s.conn.Lock, func(ctx context.Context) ([]ModeRange, error) {
		reply, ok, err := s.read(ctx, msp.ModeRanges, nil)
		if !ok {
			return nil, err
		}
		return parseModeRanges(reply), nil
	})
}

func parseModeRanges(b []byte) []ModeRange {
	out := []ModeRange{}
	for i := 0; i+4 <= len(b); i += 4 {
		r := ModeRange{
			Index:      i / 4,
			BoxID:      b[i],
			AuxChannel: b[i+1],
			RangeStart: StepToPWM(b[i+2]),
			RangeEnd:   StepToPWM(b[i+3]),
		}
		if r.Active() {
			out = append(out, r)
		}
	}
	return out
}

// SetModeRange writes one mode range slot.
func (s *Service) SetModeRange(ctx context.Context, r ModeRange) error {
	if r.Index < 0 || r.Index > 255 {
		return fmt.Errorf("mode range index %d: %w", r.Index, ErrInvalid)
	}
	start, err := PWMToStep(r.RangeStart)
	if err != nil {
		return fmt.Errorf("mode range start: %w", err)
	}
	end, err := PWMToStep(r.RangeEnd)
	if err != nil {
		return fmt.Errorf("mode range end: %w", err)
	}

	return s.conn.Lock.Do(ctx, func(ctx context.Context) error {
		return fc.RunStrategies(ctx, "set mode range",
			fc.Strategy{Name: "MSP", Run: s.binary(msp.SetModeRange, func(ctx context.Context) error {
				return s.send(ctx, msp.SetModeRange, []byte{byte(r.Index), r.BoxID, r.AuxChannel, start, end})
			})},
			fc.Strategy{Name: "CLI", Run: func(ctx context.Context) error {
				line := fmt.Sprintf("aux %d %d %d %d %d 0", r.Index, r.BoxID, r.AuxChannel, start, end)
				_, err := s.cli(ctx, []string{line}, false)
				return err
			}},
		)
	})
}
