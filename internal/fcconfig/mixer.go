package fcconfig

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/shaunagostinho/mspconf/internal/fc"
	"github.com/shaunagostinho/mspconf/internal/msp"
)

// Platform is the airframe type.
type Platform uint8

const (
	PlatformMultirotor Platform = iota
	PlatformAirplane
	PlatformHelicopter
	PlatformTricopter
	PlatformRover
	PlatformBoat
)

func (p Platform) String() string {
	if int(p) < len(msp.PlatformNames) {
		return msp.PlatformNames[p]
	}
	return fmt.Sprintf("PLATFORM_%d", uint8(p))
}

// ParsePlatform accepts a platform name in any case.
func ParsePlatform(name string) (Platform, error) {
	p, ok := msp.PlatformByName(name)
	if !ok {
		return 0, fmt.Errorf("unknown platform %q", name)
	}
	return Platform(p), nil
}

func (p Platform) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p Platform) MarshalYAML() (interface{}, error) { return p.String(), nil }

func (p *Platform) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	v, err := ParsePlatform(name)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Mixer is the airframe and mixer setup. iNav reports the platform
// directly; Betaflight only has a mixer preset, from which the platform is
// derived.
type Mixer struct {
	Platform         Platform `json:"platform"`
	MixerMode        uint8    `json:"mixerMode,omitempty"`
	MixerName        string   `json:"mixerName,omitempty"`
	Reversed         bool     `json:"reversed"`
	MotorDirInverted bool     `json:"motorDirInverted"`
	MotorStopOnLow   bool     `json:"motorStopOnLow"`
	HasFlaps         bool     `json:"hasFlaps"`
	AppliedPreset    uint16   `json:"appliedPreset"`
	MaxMotors        uint8    `json:"maxMotors,omitempty"`
	MaxServos        uint8    `json:"maxServos,omitempty"`
}

// Mixer reads the mixer setup: MSP2_INAV_MIXER on iNav, then
// MSP_MIXER_CONFIG. The result is nil when neither is implemented.
func (s *Service) Mixer(ctx context.Context) (*Mixer, error) {
	return fc.WithLock(ctx, s.conn.Lock, s.readMixer)
}

func (s *Service) readMixer(ctx context.Context) (*Mixer, error) {
	if s.conn.IsInav() {
		reply, ok, err := s.read(ctx, msp.InavMixer, nil)
		if err != nil {
			return nil, err
		}
		if ok {
			return parseInavMixer(reply)
		}
	}
	reply, ok, err := s.read(ctx, msp.MixerConfig, nil)
	if !ok {
		return nil, err
	}
	return parseMixerConfig(reply)
}

func parseInavMixer(b []byte) (*Mixer, error) {
	if len(b) < 7 {
		return nil, fmt.Errorf("%s: short reply (%d bytes)", msp.CommandName(msp.InavMixer), len(b))
	}
	m := &Mixer{
		MotorDirInverted: b[0] != 0,
		MotorStopOnLow:   b[2] != 0,
		Platform:         Platform(b[3]),
		HasFlaps:         b[4] != 0,
		AppliedPreset:    binary.LittleEndian.Uint16(b[5:7]),
	}
	if len(b) >= 9 {
		m.MaxMotors, m.MaxServos = b[7], b[8]
	}
	return m, nil
}

func parseMixerConfig(b []byte) (*Mixer, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%s: empty reply", msp.CommandName(msp.MixerConfig))
	}
	m := &Mixer{
		MixerMode: b[0],
		Platform:  Platform(msp.PlatformForMixer(int(b[0]))),
	}
	if int(b[0]) < len(msp.MixerNames) {
		m.MixerName = msp.MixerNames[b[0]]
	}
	if len(b) > 1 {
		m.Reversed = b[1] != 0
	}
	return m, nil
}

// SetMixer writes the mixer setup: MSP2_INAV_SET_MIXER on iNav, then
// MSP_SET_MIXER_CONFIG, then the CLI. The binary paths read the result
// back and a different platform is reported as fc.ErrVerificationMismatch.
func (s *Service) SetMixer(ctx context.Context, m Mixer) error {
	if int(m.Platform) >= len(msp.PlatformNames) {
		return fmt.Errorf("set mixer: platform %d: %w", m.Platform, ErrInvalid)
	}
	mode := m.MixerMode
	if mode == 0 {
		mode = uint8(msp.MixerForPlatform(int(m.Platform)))
	}
	if int(mode) >= len(msp.MixerNames) {
		return fmt.Errorf("set mixer: mixer %d: %w", mode, ErrInvalid)
	}

	return s.conn.Lock.Do(ctx, func(ctx context.Context) error {
		var inav func(ctx context.Context) error
		if s.conn.IsInav() {
			inav = s.binary(msp.InavSetMixer, func(ctx context.Context) error {
				b := []byte{boolByte(m.MotorDirInverted), 0, boolByte(m.MotorStopOnLow), byte(m.Platform), boolByte(m.HasFlaps)}
				b = binary.LittleEndian.AppendUint16(b, m.AppliedPreset)
				if err := s.send(ctx, msp.InavSetMixer, b); err != nil {
					return err
				}
				return s.verifyPlatform(ctx, m.Platform)
			})
		}

		return fc.RunStrategies(ctx, "set mixer",
			fc.Strategy{Name: "MSP2", Run: inav},
			fc.Strategy{Name: "MSP", Run: s.binary(msp.SetMixerCfg, func(ctx context.Context) error {
				if err := s.send(ctx, msp.SetMixerCfg, []byte{mode, boolByte(m.Reversed)}); err != nil {
					return err
				}
				return s.verifyPlatform(ctx, Platform(msp.PlatformForMixer(int(mode))))
			})},
			fc.Strategy{Name: "CLI", Run: func(ctx context.Context) error {
				line := "mixer " + msp.MixerNames[mode]
				if s.conn.IsInav() {
					line = "set platform_type = " + m.Platform.String()
				}
				_, err := s.cli(ctx, []string{line}, false)
				return err
			}},
		)
	})
}

func (s *Service) verifyPlatform(ctx context.Context, want Platform) error {
	got, err := s.readMixer(ctx)
	if err != nil {
		return err
	}
	if got == nil {
		return fmt.Errorf("platform: wrote %s, cannot read back: %w", want, fc.ErrVerificationMismatch)
	}
	if got.Platform != want {
		return fmt.Errorf("platform: wrote %s, read back %s: %w", want, got.Platform, fc.ErrVerificationMismatch)
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
