package fcconfig

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"strconv"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/msp"
)

// MaxServoRules is the size of the firmware's servo mix table.
const MaxServoRules = 16

// ServoRule routes an input source to a servo at a rate in percent.
// Condition is an iNav logic condition, -1 for none.
type ServoRule struct {
	Target    uint8 `json:"target"`
	Input     uint8 `json:"input"`
	Rate      int16 `json:"rate"`
	Speed     uint8 `json:"speed"`
	Condition int8  `json:"condition"`
}

var smixLine = regexp.MustCompile(`^smix\s+(\d+)\s+(\d+)\s+(\d+)\s+(-?\d+)(?:\s+(\d+))?`)

// ServoMixer reads the servo mix: MSP2_INAV_SERVO_MIXER on iNav, then
// MSP_SERVO_MIX_RULES, then the CLI "smix" listing.
func (s *Service) ServoMixer(ctx context.Context) ([]ServoRule, error) {
	return fc.WithLock(ctx, s.conn.Lock, func(ctx context.Context) ([]ServoRule, error) {
		var rules []ServoRule
		readWith := func(code uint16, decode func([]byte) []ServoRule) func(ctx context.Context) error {
			if s.conn.Unsupported.IsUnsupported(code) {
				return nil
			}
			return func(ctx context.Context) error {
				reply, ok, err := s.read(ctx, code, nil)
				if err != nil {
					return err
				}
				if !ok {
					return fc.ErrNotSupported
				}
				rules = decode(reply)
				return nil
			}
		}

		var inav func(ctx context.Context) error
		if s.conn.IsInav() {
			inav = readWith(msp.InavServoMixer, decodeInavServoRules)
		}
		err := fc.RunStrategies(ctx, "read servo mixer",
			fc.Strategy{Name: "MSP2", Run: inav},
			fc.Strategy{Name: "MSP", Run: readWith(msp.ServoMixRules, decodeServoRules)},
			fc.Strategy{Name: "CLI", Run: func(ctx context.Context) error {
				res, err := s.cliRead(ctx, "smix")
				if err != nil {
					return err
				}
				rules = parseSmix(res)
				return nil
			}},
		)
		return rules, err
	})
}

// decodeInavServoRules reads 6-byte records: target, input, rate (int16),
// speed, condition. A zero rate ends the table.
func decodeInavServoRules(b []byte) []ServoRule {
	rules := []ServoRule{}
	for i := 0; i+6 <= len(b); i += 6 {
		r := ServoRule{
			Target:    b[i],
			Input:     b[i+1],
			Rate:      int16(binary.LittleEndian.Uint16(b[i+2:])),
			Speed:     b[i+4],
			Condition: int8(b[i+5]),
		}
		if r.Rate == 0 {
			break
		}
		rules = append(rules, r)
	}
	return rules
}

// decodeServoRules reads the 7-byte records of MSP_SERVO_MIX_RULES:
// target, input, rate (int8), speed, min, max, box.
func decodeServoRules(b []byte) []ServoRule {
	rules := []ServoRule{}
	for i := 0; i+7 <= len(b); i += 7 {
		r := ServoRule{Target: b[i], Input: b[i+1], Rate: int16(int8(b[i+2])), Speed: b[i+3], Condition: -1}
		if r.Rate == 0 {
			break
		}
		rules = append(rules, r)
	}
	return rules
}

func parseSmix(res *fc.CLIResult) []ServoRule {
	byIndex := map[int]ServoRule{}
	n := 0
	match(res, smixLine, func(m []string) {
		i, _ := strconv.Atoi(m[1])
		target, _ := strconv.Atoi(m[2])
		input, _ := strconv.Atoi(m[3])
		rate, _ := strconv.Atoi(m[4])
		if rate == 0 || i >= MaxServoRules || target > 255 || input > 255 {
			return
		}
		r := ServoRule{Target: uint8(target), Input: uint8(input), Rate: int16(rate), Condition: -1}
		if m[5] != "" {
			speed, _ := strconv.Atoi(m[5])
			r.Speed = uint8(speed)
		}
		byIndex[i] = r
		if i+1 > n {
			n = i + 1
		}
	})
	rules := make([]ServoRule, 0, n)
	for i := 0; i < n; i++ {
		r, ok := byIndex[i]
		if !ok {
			break
		}
		rules = append(rules, r)
	}
	return rules
}

// SetServoMixer replaces the servo mix: MSP2_INAV_SET_SERVO_MIXER on
// iNav, then MSP_SET_SERVO_MIX_RULE, then the CLI. The CLI session is
// left open; the change takes effect with the next Save.
func (s *Service) SetServoMixer(ctx context.Context, rules []ServoRule) error {
	if len(rules) > MaxServoRules {
		return fmt.Errorf("set servo mixer: %d rules, at most %d: %w", len(rules), MaxServoRules, ErrInvalid)
	}
	for i, r := range rules {
		if r.Rate == 0 {
			return fmt.Errorf("set servo mixer: rule %d has zero rate: %w", i, ErrInvalid)
		}
	}
	// the terminator clears whatever followed
	table := rules
	if len(table) < MaxServoRules {
		table = append(append([]ServoRule(nil), rules...), ServoRule{})
	}

	return s.conn.Lock.Do(ctx, func(ctx context.Context) error {
		var inav func(ctx context.Context) error
		if s.conn.IsInav() {
			inav = s.binary(msp.InavSetServoMixer, func(ctx context.Context) error {
				for i, r := range table {
					b := []byte{byte(i), r.Target, r.Input}
					b = binary.LittleEndian.AppendUint16(b, uint16(r.Rate))
					b = append(b, r.Speed, byte(r.Condition))
					if err := s.send(ctx, msp.InavSetServoMixer, b); err != nil {
						return err
					}
				}
				return nil
			})
		}

		return fc.RunStrategies(ctx, "set servo mixer",
			fc.Strategy{Name: "MSP2", Run: inav},
			fc.Strategy{Name: "MSP", Run: s.binary(msp.SetServoMix, func(ctx context.Context) error {
				for i, r := range table {
					if r.Rate < math.MinInt8 || r.Rate > math.MaxInt8 {
						return fmt.Errorf("rate %d does not fit MSP v1: %w", r.Rate, fc.ErrNotSupported)
					}
					b := []byte{byte(i), r.Target, r.Input, byte(int8(r.Rate)), r.Speed, 0, 100, 0}
					if err := s.send(ctx, msp.SetServoMix, b); err != nil {
						return err
					}
				}
				return nil
			})},
			fc.Strategy{Name: "CLI", Run: func(ctx context.Context) error {
				lines := []string{"smix reset"}
				for i, r := range rules {
					lines = append(lines, fmt.Sprintf("smix %d %d %d %d 0 0 100 0", i, r.Target, r.Input, r.Rate))
				}
				_, err := s.cli(ctx, lines, true)
				return err
			}},
		)
	})
}
