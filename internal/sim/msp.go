package sim

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/shaunagostinho/mspconf/internal/msp"
)

// handleMSP answers one request. A nil reply means silence. Runs with l.mu
// held.
func (l *Link) handleMSP(f *msp.Frame) (reply []byte, reboot bool) {
	if l.dropped[f.Code] {
		return nil, false
	}
	if l.unsupported[f.Code] {
		return l.frame(f, msp.DirError, nil), false
	}

	inav := l.opts.Variant == "INAV"
	p := f.Payload
	c := &l.cfg

	switch f.Code {
	case msp.APIVersion:
		return l.ok(f, []byte{0, l.opts.APIVersion[0], l.opts.APIVersion[1]}), false
	case msp.FCVariant:
		return l.ok(f, []byte(l.opts.Variant)), false
	case msp.FCVersion:
		return l.ok(f, l.opts.FWVersion[:]), false
	case msp.Name:
		return l.ok(f, []byte(l.opts.Name)), false

	case msp.Status:
		b := make([]byte, 11)
		binary.LittleEndian.PutUint16(b[0:], uint16(1000+rand.Intn(20)))
		binary.LittleEndian.PutUint16(b[4:], 0x0F) // acc, baro, mag, gps
		binary.LittleEndian.PutUint32(b[6:], l.activeModes())
		return l.ok(f, b), false

	case msp.ModeRanges:
		b := make([]byte, 0, 4*MaxModeRanges)
		for _, r := range c.ModeRanges {
			b = append(b, r.Box, r.Aux, r.Start, r.End)
		}
		return l.ok(f, b), false
	case msp.SetModeRange:
		if len(p) < 5 || int(p[0]) >= MaxModeRanges {
			return l.frame(f, msp.DirError, nil), false
		}
		c.ModeRanges[p[0]] = ModeRange{Box: p[1], Aux: p[2], Start: p[3], End: p[4]}
		return l.ok(f, nil), false

	case msp.Feature:
		return l.ok(f, binary.LittleEndian.AppendUint32(nil, c.Features)), false
	case msp.SetFeature:
		if len(p) < 4 {
			return l.frame(f, msp.DirError, nil), false
		}
		want := binary.LittleEndian.Uint32(p)
		refused := l.opts.RefuseFeatures
		c.Features = (want &^ refused) | (c.Features & refused)
		return l.ok(f, nil), false

	case msp.MixerConfig:
		return l.ok(f, []byte{c.MixerMode, boolByte(c.Reversed)}), false
	case msp.SetMixerCfg:
		if len(p) < 1 || int(p[0]) >= len(msp.MixerNames) || p[0] == 0 {
			return l.frame(f, msp.DirError, nil), false
		}
		c.MixerMode = p[0]
		if len(p) > 1 {
			c.Reversed = p[1] != 0
		}
		c.Platform = uint8(msp.PlatformForMixer(int(c.MixerMode)))
		return l.ok(f, nil), false

	case msp.InavMixer:
		if !inav {
			break
		}
		b := []byte{boolByte(c.MotorDirInverted), 0, boolByte(c.MotorStopOnLow), c.Platform, boolByte(c.HasFlaps)}
		b = binary.LittleEndian.AppendUint16(b, c.AppliedPreset)
		b = append(b, MaxMotorRules, MaxServoRules)
		return l.ok(f, b), false
	case msp.InavSetMixer:
		if !inav {
			break
		}
		if len(p) < 7 || int(p[3]) >= len(msp.PlatformNames) {
			return l.frame(f, msp.DirError, nil), false
		}
		c.MotorDirInverted = p[0] != 0
		c.MotorStopOnLow = p[2] != 0
		c.Platform = p[3]
		c.HasFlaps = p[4] != 0
		c.AppliedPreset = binary.LittleEndian.Uint16(p[5:7])
		return l.ok(f, nil), false

	case msp.CommonMotorMixer:
		if !inav {
			break
		}
		b := make([]byte, 0, 8*MaxMotorRules)
		for i := 0; i < MaxMotorRules; i++ {
			var r MotorRule
			if i < len(c.Motors) {
				r = c.Motors[i]
			}
			b = binary.LittleEndian.AppendUint16(b, milli(r.Throttle))
			b = binary.LittleEndian.AppendUint16(b, milli(r.Roll+2))
			b = binary.LittleEndian.AppendUint16(b, milli(r.Pitch+2))
			b = binary.LittleEndian.AppendUint16(b, milli(r.Yaw+2))
		}
		return l.ok(f, b), false
	case msp.CommonSetMotorMixer:
		if !inav {
			break
		}
		if len(p) < 9 || int(p[0]) >= MaxMotorRules {
			return l.frame(f, msp.DirError, nil), false
		}
		r := MotorRule{
			Throttle: float64(binary.LittleEndian.Uint16(p[1:])) / 1000,
			Roll:     float64(binary.LittleEndian.Uint16(p[3:]))/1000 - 2,
			Pitch:    float64(binary.LittleEndian.Uint16(p[5:]))/1000 - 2,
			Yaw:      float64(binary.LittleEndian.Uint16(p[7:]))/1000 - 2,
		}
		c.Motors = setMotor(c.Motors, int(p[0]), r)
		return l.ok(f, nil), false

	case msp.InavServoMixer:
		if !inav {
			break
		}
		b := make([]byte, 0, 6*MaxServoRules)
		for i := 0; i < MaxServoRules; i++ {
			var r ServoRule
			if i < len(c.Servos) {
				r = c.Servos[i]
			}
			b = append(b, r.Target, r.Input)
			b = binary.LittleEndian.AppendUint16(b, uint16(r.Rate))
			b = append(b, r.Speed, byte(r.Condition))
		}
		return l.ok(f, b), false
	case msp.InavSetServoMixer:
		if !inav {
			break
		}
		if len(p) < 7 || int(p[0]) >= MaxServoRules {
			return l.frame(f, msp.DirError, nil), false
		}
		r := ServoRule{
			Target:    p[1],
			Input:     p[2],
			Rate:      int16(binary.LittleEndian.Uint16(p[3:])),
			Speed:     p[5],
			Condition: int8(p[6]),
		}
		c.Servos = setServo(c.Servos, int(p[0]), r)
		return l.ok(f, nil), false

	case msp.ServoMixRules:
		b := make([]byte, 0, 7*MaxServoRules)
		for i := 0; i < MaxServoRules; i++ {
			var r ServoRule
			if i < len(c.Servos) {
				r = c.Servos[i]
			}
			b = append(b, r.Target, r.Input, byte(int8(r.Rate)), r.Speed, 0, 100, 0)
		}
		return l.ok(f, b), false
	case msp.SetServoMix:
		if len(p) < 8 || int(p[0]) >= MaxServoRules {
			return l.frame(f, msp.DirError, nil), false
		}
		r := ServoRule{Target: p[1], Input: p[2], Rate: int16(int8(p[3])), Speed: p[4]}
		c.Servos = setServo(c.Servos, int(p[0]), r)
		return l.ok(f, nil), false

	case msp.EepromWrite:
		l.board.save(l.cfg)
		return l.ok(f, nil), false
	case msp.Reboot:
		return l.ok(f, nil), true
	}
	return l.frame(f, msp.DirError, nil), false
}

func (l *Link) ok(f *msp.Frame, payload []byte) []byte {
	return l.frame(f, msp.DirReply, payload)
}

// frame answers in the version the request used.
func (l *Link) frame(f *msp.Frame, dir msp.Direction, payload []byte) []byte {
	b, err := msp.Encode(f.Version, dir, f.Code, payload)
	if err != nil {
		b, _ = msp.Encode(f.Version, msp.DirError, f.Code, nil)
	}
	return b
}

// activeModes reports boxes whose range covers mid-stick on their channel.
func (l *Link) activeModes() uint32 {
	var flags uint32
	for _, r := range l.cfg.ModeRanges {
		if r.Start < r.End && r.Start <= 24 && 24 < r.End && r.Box < 32 {
			flags |= 1 << r.Box
		}
	}
	return flags
}

// setMotor stores r at i. A zero-throttle rule ends the list.
func setMotor(rules []MotorRule, i int, r MotorRule) []MotorRule {
	if r.Throttle == 0 {
		if i < len(rules) {
			return rules[:i]
		}
		return rules
	}
	for len(rules) <= i {
		rules = append(rules, MotorRule{})
	}
	rules[i] = r
	return rules
}

// setServo stores r at i. A zero-rate rule ends the list.
func setServo(rules []ServoRule, i int, r ServoRule) []ServoRule {
	if r.Rate == 0 {
		if i < len(rules) {
			return rules[:i]
		}
		return rules
	}
	for len(rules) <= i {
		rules = append(rules, ServoRule{})
	}
	rules[i] = r
	return rules
}

func milli(v float64) uint16 { return uint16(math.Round(v * 1000)) }

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
