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

// MaxMotorRules is the size of the firmware's custom motor mix table.
const MaxMotorRules = 12

// MotorRule is one motor's share of each axis.
type MotorRule struct {
	Throttle float64 `json:"throttle"`
	Roll     float64 `json:"roll"`
	Pitch    float64 `json:"pitch"`
	Yaw      float64 `json:"yaw"`
}

var mmixLine = regexp.MustCompile(`^mmix\s+(\d+)\s+(-?[\d.]+)\s+(-?[\d.]+)\s+(-?[\d.]+)\s+(-?[\d.]+)`)

// MotorMixer reads the custom motor mix: MSP2_COMMON_MOTOR_MIXER, then the
// CLI "mmix" listing.
func (s *Service) MotorMixer(ctx context.Context) ([]MotorRule, error) {
	return fc.WithLock(ctx, s.conn.Lock, func(ctx context.Context) ([]MotorRule, error) {
		var rules []MotorRule
		var binaryRead func(ctx context.Context) error
		if !s.conn.Unsupported.IsUnsupported(msp.CommonMotorMixer) {
			binaryRead = func(ctx context.Context) error {
				reply, ok, err := s.read(ctx, msp.CommonMotorMixer, nil)
				if err != nil {
					return err
				}
				if !ok {
					return fc.ErrNotSupported
				}
				rules = decodeMotorRules(reply)
				return nil
			}
		}
		err := fc.RunStrategies(ctx, "read motor mixer",
			fc.Strategy{Name: "MSP2", Run: binaryRead},
			fc.Strategy{Name: "CLI", Run: func(ctx context.Context) error {
				res, err := s.cliRead(ctx, "mmix")
				if err != nil {
					return err
				}
				rules = parseMmix(res)
				return nil
			}},
		)
		return rules, err
	})
}

// decodeMotorRules reads 8-byte records: throttle, then roll, pitch and
// yaw offset by 2.0, all in thousandths. A zero throttle ends the table.
func decodeMotorRules(b []byte) []MotorRule {
	rules := []MotorRule{}
	for i := 0; i+8 <= len(b); i += 8 {
		thr := binary.LittleEndian.Uint16(b[i:])
		if thr == 0 {
			break
		}
		rules = append(rules, MotorRule{
			Throttle: float64(thr) / 1000,
			Roll:     float64(binary.LittleEndian.Uint16(b[i+2:]))/1000 - 2,
			Pitch:    float64(binary.LittleEndian.Uint16(b[i+4:]))/1000 - 2,
			Yaw:      float64(binary.LittleEndian.Uint16(b[i+6:]))/1000 - 2,
		})
	}
	return rules
}

func encodeMotorRule(i int, r MotorRule) []byte {
	b := []byte{byte(i)}
	b = binary.LittleEndian.AppendUint16(b, milli(r.Throttle))
	b = binary.LittleEndian.AppendUint16(b, milli(r.Roll+2))
	b = binary.LittleEndian.AppendUint16(b, milli(r.Pitch+2))
	return binary.LittleEndian.AppendUint16(b, milli(r.Yaw+2))
}

func parseMmix(res *fc.CLIResult) []MotorRule {
	byIndex := map[int]MotorRule{}
	n := 0
	match(res, mmixLine, func(m []string) {
		i, _ := strconv.Atoi(m[1])
		var v [4]float64
		for k := range v {
			v[k], _ = strconv.ParseFloat(m[k+2], 64)
		}
		if v[0] == 0 || i >= MaxMotorRules {
			return
		}
		byIndex[i] = MotorRule{v[0], v[1], v[2], v[3]}
		if i+1 > n {
			n = i + 1
		}
	})
	rules := make([]MotorRule, 0, n)
	for i := 0; i < n; i++ {
		r, ok := byIndex[i]
		if !ok {
			break
		}
		rules = append(rules, r)
	}
	return rules
}

// SetMotorMixer replaces the custom motor mix: one
// MSP2_COMMON_SET_MOTOR_MIXER per rule plus an empty terminator, or
// "mmix reset" and one "mmix" line per rule over the CLI.
func (s *Service) SetMotorMixer(ctx context.Context, rules []MotorRule) error {
	if len(rules) > MaxMotorRules {
		return fmt.Errorf("set motor mixer: %d rules, at most %d: %w", len(rules), MaxMotorRules, ErrInvalid)
	}
	for i, r := range rules {
		if r.Throttle <= 0 || r.Throttle > 1 || math.Abs(r.Roll) > 2 || math.Abs(r.Pitch) > 2 || math.Abs(r.Yaw) > 2 {
			return fmt.Errorf("set motor mixer: rule %d: %w", i, ErrInvalid)
		}
	}

	return s.conn.Lock.Do(ctx, func(ctx context.Context) error {
		return fc.RunStrategies(ctx, "set motor mixer",
			fc.Strategy{Name: "MSP2", Run: s.binary(msp.CommonSetMotorMixer, func(ctx context.Context) error {
				for i, r := range rules {
					if err := s.send(ctx, msp.CommonSetMotorMixer, encodeMotorRule(i, r)); err != nil {
						return err
					}
				}
				if len(rules) < MaxMotorRules {
					return s.send(ctx, msp.CommonSetMotorMixer, encodeMotorRule(len(rules), MotorRule{}))
				}
				return nil
			})},
			fc.Strategy{Name: "CLI", Run: func(ctx context.Context) error {
				lines := []string{"mmix reset"}
				for i, r := range rules {
					lines = append(lines, fmt.Sprintf("mmix %d %.3f %.3f %.3f %.3f", i, r.Throttle, r.Roll, r.Pitch, r.Yaw))
				}
				_, err := s.cli(ctx, lines, false)
				return err
			}},
		)
	})
}

func milli(v float64) uint16 { return uint16(math.Round(v * 1000)) }
