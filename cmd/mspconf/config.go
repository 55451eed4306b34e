package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/mspconf/internal/fcconfig"
	"github.com/shaunagostinho/mspconf/internal/msp"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Identify the connected flight controller",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			return show(svc.Conn().Firmware())
		})
	},
}

var modesCmd = &cobra.Command{
	Use:   "modes",
	Short: "List the active mode ranges",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			ranges, err := svc.ModeRanges(ctx)
			if err != nil {
				return err
			}
			if ranges == nil {
				return errUnsupported
			}
			return show(ranges)
		})
	},
}

var modesSetCmd = &cobra.Command{
	Use:   "set INDEX BOX AUX START END",
	Short: "Set one mode range; START and END are PWM microseconds",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := atoi(args...)
		if err != nil {
			return err
		}
		if n[1] < 0 || n[1] > 255 || n[2] < 0 || n[2] > 255 {
			return fmt.Errorf("box and aux channel must be 0-255")
		}
		r := fcconfig.ModeRange{
			Index:      n[0],
			BoxID:      uint8(n[1]),
			AuxChannel: uint8(n[2]),
			RangeStart: n[3],
			RangeEnd:   n[4],
		}
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			return svc.SetModeRange(ctx, r)
		})
	},
}

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Show the enabled features",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			f, err := svc.Features(ctx)
			if err != nil {
				return err
			}
			if f == nil {
				return errUnsupported
			}
			return show(f)
		})
	},
}

var featuresSetCmd = &cobra.Command{
	Use:   "set MASK | NAME...",
	Short: "Replace the feature set by mask or by names",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			mask, err := parseFeatures(svc, args)
			if err != nil {
				return err
			}
			return svc.SetFeatures(ctx, mask)
		})
	},
}

var featuresEnableCmd = &cobra.Command{
	Use:   "enable NAME...",
	Short: "Enable features, keeping the others",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeFeatures(cmd, args, true)
	},
}

var featuresDisableCmd = &cobra.Command{
	Use:   "disable NAME...",
	Short: "Disable features, keeping the others",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeFeatures(cmd, args, false)
	},
}

func parseFeatures(svc *fcconfig.Service, args []string) (uint32, error) {
	if len(args) == 1 {
		if v, err := strconv.ParseUint(args[0], 0, 32); err == nil {
			return uint32(v), nil
		}
	}
	return fcconfig.FeatureMask(svc.Conn().Firmware().Variant, args)
}

func changeFeatures(cmd *cobra.Command, names []string, on bool) error {
	return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
		bits, err := fcconfig.FeatureMask(svc.Conn().Firmware().Variant, names)
		if err != nil {
			return err
		}
		cur, err := svc.Features(ctx)
		if err != nil {
			return err
		}
		if cur == nil {
			return errUnsupported
		}
		mask := cur.Mask &^ bits
		if on {
			mask = cur.Mask | bits
		}
		if mask == cur.Mask {
			return nil
		}
		return svc.SetFeatures(ctx, mask)
	})
}

var mixerCmd = &cobra.Command{
	Use:   "mixer",
	Short: "Show the platform and mixer setup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			m, err := svc.Mixer(ctx)
			if err != nil {
				return err
			}
			if m == nil {
				return errUnsupported
			}
			return show(m)
		})
	},
}

var mixerSetCmd = &cobra.Command{
	Use:   "set PLATFORM [PRESET]",
	Short: "Change the platform (MULTIROTOR, AIRPLANE, ...) and optionally the mixer preset",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := fcconfig.ParsePlatform(args[0])
		if err != nil {
			return err
		}
		var preset uint8
		if len(args) == 2 {
			i, ok := msp.MixerByName(args[1])
			if !ok {
				return fmt.Errorf("unknown mixer preset %q", args[1])
			}
			preset = uint8(i)
		}
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			m := fcconfig.Mixer{Platform: p, MixerMode: preset}
			if cur, err := svc.Mixer(ctx); err == nil && cur != nil {
				// keep the flags the user did not touch
				m.Reversed = cur.Reversed
				m.MotorDirInverted = cur.MotorDirInverted
				m.MotorStopOnLow = cur.MotorStopOnLow
				m.HasFlaps = cur.HasFlaps
				m.AppliedPreset = cur.AppliedPreset
			}
			return svc.SetMixer(ctx, m)
		})
	},
}

var motorsCmd = &cobra.Command{
	Use:   "motors",
	Short: "Show the custom motor mix",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			rules, err := svc.MotorMixer(ctx)
			if err != nil {
				return err
			}
			return show(rules)
		})
	},
}

var motorsSetCmd = &cobra.Command{
	Use:   "set FILE",
	Short: "Replace the motor mix with the rules in a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rules []fcconfig.MotorRule
		if err := readFile(args[0], &rules); err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			return svc.SetMotorMixer(ctx, rules)
		})
	},
}

var servosCmd = &cobra.Command{
	Use:   "servos",
	Short: "Show the servo mix",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			rules, err := svc.ServoMixer(ctx)
			if err != nil {
				return err
			}
			return show(rules)
		})
	},
}

var servosSetCmd = &cobra.Command{
	Use:   "set FILE",
	Short: "Replace the servo mix with the rules in a YAML or JSON file, then save",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rules []fcconfig.ServoRule
		if err := readFile(args[0], &rules); err != nil {
			return err
		}
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			if err := svc.SetServoMixer(ctx, rules); err != nil {
				return err
			}
			// a CLI fallback leaves the session open
			return svc.Save(ctx)
		})
	},
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write the configuration to EEPROM",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *fcconfig.Service) error {
			return svc.Save(ctx)
		})
	},
}

func atoi(args ...string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", a)
		}
		out[i] = n
	}
	return out, nil
}

func init() {
	modesCmd.AddCommand(modesSetCmd)
	featuresCmd.AddCommand(featuresSetCmd, featuresEnableCmd, featuresDisableCmd)
	mixerCmd.AddCommand(mixerSetCmd)
	motorsCmd.AddCommand(motorsSetCmd)
	servosCmd.AddCommand(servosSetCmd)

	rootCmd.AddCommand(infoCmd, modesCmd, featuresCmd, mixerCmd, motorsCmd, servosCmd, saveCmd)
}
