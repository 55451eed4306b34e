package sim

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shaunagostinho/mspconf/internal/msp"
)

// cliLine executes one CLI line and returns the text to send back. Runs
// with l.mu held.
func (l *Link) cliLine(line string) (out []byte, reboot bool) {
	l.cliLines = append(l.cliLines, line)

	var b strings.Builder
	if !l.opts.SilentPrompt {
		b.WriteString(line + "\r\n")
	}

	fields := strings.Fields(line)
	reboot = l.exec(&b, fields)
	if !reboot && l.opts.CloseAfterLines > 0 && len(l.cliLines) >= l.opts.CloseAfterLines {
		reboot = true
	}
	if !reboot && l.cli && !l.opts.SilentPrompt {
		b.WriteString("\r\n# ")
	}
	return []byte(b.String()), reboot
}

func (l *Link) exec(b *strings.Builder, f []string) (reboot bool) {
	if len(f) == 0 {
		return false
	}
	c := &l.cfg
	args := f[1:]

	switch f[0] {
	case "exit":
		b.WriteString("\r\nLeaving CLI mode, unsaved changes lost.\r\n")
		l.cli = false
		if l.opts.RebootOnExit {
			l.cfg = l.board.Saved()
			return true
		}
		return false

	case "save":
		l.board.save(l.cfg)
		b.WriteString("Saving\r\n")
		if l.opts.StayUpOnSave {
			l.cli = false
			return false
		}
		b.WriteString("Rebooting\r\n")
		return true

	case "aux":
		if len(args) == 0 {
			for i, r := range c.ModeRanges {
				fmt.Fprintf(b, "aux %d %d %d %d %d 0\r\n", i, r.Box, r.Aux, r.Start, r.End)
			}
			return false
		}
		n, ok := ints(args, 5)
		if !ok || n[4] < 0 || n[0] >= MaxModeRanges || n[1] > 255 || n[2] > 255 || n[3] > 255 || n[4] > 255 {
			b.WriteString("Parse error\r\n")
			return false
		}
		c.ModeRanges[n[0]] = ModeRange{Box: uint8(n[1]), Aux: uint8(n[2]), Start: uint8(n[3]), End: uint8(n[4])}

	case "feature":
		table := msp.FeatureNames(l.opts.Variant)
		if len(args) == 0 {
			bits := make([]int, 0, len(table))
			for bit := range table {
				bits = append(bits, int(bit))
			}
			sort.Ints(bits)
			for _, bit := range bits {
				if c.Features&(1<<uint(bit)) != 0 {
					fmt.Fprintf(b, "feature %s\r\n", table[uint(bit)])
				}
			}
			return false
		}
		name, off := args[0], false
		if strings.HasPrefix(name, "-") {
			name, off = name[1:], true
		}
		bit, ok := msp.FeatureBit(table, name)
		if !ok {
			b.WriteString("Invalid name\r\n")
			return false
		}
		if off {
			c.Features &^= 1 << bit
			fmt.Fprintf(b, "Disabled %s\r\n", table[bit])
		} else {
			c.Features |= 1 << bit
			fmt.Fprintf(b, "Enabled %s\r\n", table[bit])
		}

	case "mixer":
		if len(args) == 0 {
			fmt.Fprintf(b, "Mixer: %s\r\n", msp.MixerNames[c.MixerMode])
			return false
		}
		mode, ok := msp.MixerByName(args[0])
		if !ok {
			b.WriteString("Invalid name\r\n")
			return false
		}
		c.MixerMode = uint8(mode)
		c.Platform = uint8(msp.PlatformForMixer(int(c.MixerMode)))
		fmt.Fprintf(b, "Mixer set to %s\r\n", msp.MixerNames[mode])

	case "set":
		// set platform_type = AIRPLANE
		if len(args) != 3 || args[1] != "=" {
			b.WriteString("Invalid name\r\n")
			return false
		}
		if args[0] != "platform_type" || l.opts.Variant != "INAV" {
			b.WriteString("Invalid name\r\n")
			return false
		}
		p, ok := msp.PlatformByName(args[2])
		if !ok {
			b.WriteString("Invalid value\r\n")
			return false
		}
		c.Platform = uint8(p)
		fmt.Fprintf(b, "platform_type set to %s\r\n", msp.PlatformNames[p])

	case "get":
		if len(args) == 1 && args[0] == "platform_type" && l.opts.Variant == "INAV" {
			fmt.Fprintf(b, "platform_type = %s\r\n", msp.PlatformNames[c.Platform])
			return false
		}
		b.WriteString("Invalid name\r\n")

	case "mmix":
		switch {
		case len(args) == 0:
			for i, r := range c.Motors {
				fmt.Fprintf(b, "mmix %d %6.3f %6.3f %6.3f %6.3f\r\n", i, r.Throttle, r.Roll, r.Pitch, r.Yaw)
			}
		case args[0] == "reset":
			c.Motors = nil
		default:
			v, ok := floats(args, 5)
			if !ok || v[0] < 0 || int(v[0]) >= MaxMotorRules {
				b.WriteString("Parse error\r\n")
				return false
			}
			c.Motors = setMotor(c.Motors, int(v[0]), MotorRule{v[1], v[2], v[3], v[4]})
		}

	case "smix":
		switch {
		case len(args) == 0:
			for i, r := range c.Servos {
				fmt.Fprintf(b, "smix %d %d %d %d %d %d\r\n", i, r.Target, r.Input, r.Rate, r.Speed, r.Condition)
			}
		case args[0] == "reset":
			c.Servos = nil
		default:
			n, ok := ints(args, 4)
			if !ok || n[0] >= MaxServoRules {
				b.WriteString("Parse error\r\n")
				return false
			}
			r := ServoRule{Target: uint8(n[1]), Input: uint8(n[2]), Rate: int16(n[3]), Condition: -1}
			if len(args) > 4 {
				if s, err := strconv.Atoi(args[4]); err == nil {
					r.Speed = uint8(s)
				}
			}
			c.Servos = setServo(c.Servos, n[0], r)
		}

	default:
		b.WriteString("Unknown command, try 'help'\r\n")
	}
	return false
}

// ints parses the first n args as non-negative integers, except that the
// last one may be signed.
func ints(args []string, n int) ([]int, bool) {
	if len(args) < n {
		return nil, false
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		v, err := strconv.Atoi(args[i])
		if err != nil || (v < 0 && i < n-1) {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func floats(args []string, n int) ([]float64, bool) {
	if len(args) < n {
		return nil, false
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(args[i], 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
