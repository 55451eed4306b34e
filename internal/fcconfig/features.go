package fcconfig

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/msp"
)

// Features is the firmware feature bitmask.
type Features struct {
	Mask    uint32   `json:"mask"`
	Enabled []string `json:"enabled"`
}

func (s *Service) features(mask uint32) *Features {
	table := msp.FeatureNames(s.conn.Firmware().Variant)
	f := &Features{Mask: mask, Enabled: []string{}}
	for _, bit := range sortedBits(table) {
		if mask&(1<<bit) != 0 {
			f.Enabled = append(f.Enabled, table[bit])
		}
	}
	return f
}

// Features reads the feature bitmask. The result is nil when the firmware
// does not implement MSP_FEATURE.
func (s *Service) Features(ctx context.Context) (*Features, error) {
	return fc.WithLock(ctx, s.conn.Lock, func(ctx context.Context) (*Features, error) {
		mask, ok, err := s.readFeatures(ctx)
		if !ok {
			return nil, err
		}
		return s.features(mask), nil
	})
}

func (s *Service) readFeatures(ctx context.Context) (uint32, bool, error) {
	reply, ok, err := s.read(ctx, msp.Feature, nil)
	if !ok {
		return 0, false, err
	}
	if len(reply) < 4 {
		return 0, false, fmt.Errorf("%s: short reply (%d bytes)", msp.CommandName(msp.Feature), len(reply))
	}
	return binary.LittleEndian.Uint32(reply), true, nil
}

// SetFeatures replaces the feature bitmask. The binary write is read back
// and a difference is reported as fc.ErrVerificationMismatch.
func (s *Service) SetFeatures(ctx context.Context, mask uint32) error {
	return s.conn.Lock.Do(ctx, func(ctx context.Context) error {
		return fc.RunStrategies(ctx, "set features",
			fc.Strategy{Name: "MSP", Run: s.binary(msp.SetFeature, func(ctx context.Context) error {
				if err := s.send(ctx, msp.SetFeature, binary.LittleEndian.AppendUint32(nil, mask)); err != nil {
					return err
				}
				got, ok, err := s.readFeatures(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("features: wrote %#08x, cannot read back: %w", mask, fc.ErrVerificationMismatch)
				}
				if got != mask {
					return fmt.Errorf("features: wrote %#08x, read back %#08x: %w", mask, got, fc.ErrVerificationMismatch)
				}
				return nil
			})},
			fc.Strategy{Name: "CLI", Run: func(ctx context.Context) error {
				lines, err := s.featureLines(ctx, mask)
				if err != nil {
					return err
				}
				if len(lines) == 0 {
					return nil
				}
				_, err = s.cli(ctx, lines, false)
				return err
			}},
		)
	})
}

// featureLines turns mask into "feature NAME" and "feature -NAME" lines.
// When the current mask can be read only the changed bits are sent.
func (s *Service) featureLines(ctx context.Context, mask uint32) ([]string, error) {
	table := msp.FeatureNames(s.conn.Firmware().Variant)

	cur, known := uint32(0), false
	if !s.conn.Legacy() {
		// a failed read only costs the diff
		cur, known, _ = s.readFeatures(ctx)
	}
	changed := ^uint32(0)
	if known {
		changed = mask ^ cur
	}
	for bit := uint(0); bit < 32; bit++ {
		if _, named := table[bit]; !named && mask&changed&(1<<bit) != 0 {
			return nil, fmt.Errorf("feature bit %d has no CLI name", bit)
		}
	}

	var lines []string
	for _, bit := range sortedBits(table) {
		if changed&(1<<bit) == 0 {
			continue
		}
		if mask&(1<<bit) != 0 {
			lines = append(lines, "feature "+table[bit])
		} else {
			lines = append(lines, "feature -"+table[bit])
		}
	}
	return lines, nil
}

// FeatureMask builds a mask from feature names of the given variant.
func FeatureMask(variant string, names []string) (uint32, error) {
	table := msp.FeatureNames(variant)
	var mask uint32
	for _, n := range names {
		bit, ok := msp.FeatureBit(table, n)
		if !ok {
			return 0, fmt.Errorf("feature %q: %w", n, ErrInvalid)
		}
		mask |= 1 << bit
	}
	return mask, nil
}

func sortedBits(table map[uint]string) []uint {
	bits := make([]uint, 0, len(table))
	for bit := range table {
		bits = append(bits, bit)
	}
	sort.Slice(bits, func(i, j int) bool { return bits[i] < bits[j] })
	return bits
}
