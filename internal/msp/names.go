package msp

import "strings"

// Feature bit names as the firmware CLI spells them.
var (
	BetaflightFeatures = map[uint]string{
		0:  "RX_PPM",
		2:  "INFLIGHT_ACC_CAL",
		3:  "RX_SERIAL",
		4:  "MOTOR_STOP",
		5:  "SERVO_TILT",
		6:  "SOFTSERIAL",
		7:  "GPS",
		9:  "RANGEFINDER",
		10: "TELEMETRY",
		12: "3D",
		13: "RX_PARALLEL_PWM",
		14: "RX_MSP",
		15: "RSSI_ADC",
		16: "LED_STRIP",
		17: "DISPLAY",
		18: "OSD",
		20: "CHANNEL_FORWARDING",
		21: "TRANSPONDER",
		22: "AIRMODE",
		25: "RX_SPI",
		27: "ESC_SENSOR",
		28: "ANTI_GRAVITY",
		29: "DYNAMIC_FILTER",
	}

	InavFeatures = map[uint]string{
		0:  "THR_VBAT_COMP",
		1:  "VBAT",
		2:  "TX_PROF_SEL",
		3:  "BAT_PROF_AUTOSWITCH",
		4:  "MOTOR_STOP",
		6:  "SOFTSERIAL",
		7:  "GPS",
		10: "TELEMETRY",
		11: "CURRENT_METER",
		12: "REVERSIBLE_MOTORS",
		15: "RSSI_ADC",
		16: "LED_STRIP",
		17: "DASHBOARD",
		19: "BLACKBOX",
		21: "TRANSPONDER",
		22: "AIRMODE",
		23: "SUPEREXPO",
		24: "VTX",
		28: "PWM_OUTPUT_ENABLE",
		29: "OSD",
		30: "FW_LAUNCH",
		31: "FW_AUTOTRIM",
	}
)

// FeatureNames returns the feature table for a firmware variant.
func FeatureNames(variant string) map[uint]string {
	if variant == "INAV" {
		return InavFeatures
	}
	return BetaflightFeatures
}

// FeatureBit looks up name in table, case-insensitively.
func FeatureBit(table map[uint]string, name string) (uint, bool) {
	for bit, n := range table {
		if strings.EqualFold(n, name) {
			return bit, true
		}
	}
	return 0, false
}

// Mixer presets as used by MSP_MIXER_CONFIG and the "mixer" CLI command.
// Index 0 is unused.
var MixerNames = []string{
	"", "TRI", "QUADP", "QUADX", "BI", "GIMBAL", "Y6", "HEX6",
	"FLYING_WING", "Y4", "HEX6X", "OCTOX8", "OCTOFLATP", "OCTOFLATX",
	"AIRPLANE", "HELI_120_CCPM", "HELI_90_DEG", "VTAIL4", "HEX6H",
	"PPM_TO_SERVO", "DUALCOPTER", "SINGLECOPTER", "ATAIL4", "CUSTOM",
	"CUSTOM_AIRPLANE", "CUSTOM_TRI", "QUADX_1234",
}

// MixerByName returns the preset index for name.
func MixerByName(name string) (int, bool) {
	for i, n := range MixerNames {
		if i > 0 && strings.EqualFold(n, name) {
			return i, true
		}
	}
	return 0, false
}

// Platform types of iNav's platform_type setting, in enum order.
var PlatformNames = []string{
	"MULTIROTOR", "AIRPLANE", "HELICOPTER", "TRICOPTER", "ROVER", "BOAT",
}

// PlatformByName returns the platform enum value for name.
func PlatformByName(name string) (int, bool) {
	for i, n := range PlatformNames {
		if strings.EqualFold(n, name) {
			return i, true
		}
	}
	return 0, false
}

// PlatformForMixer maps a mixer preset to the airframe platform it implies.
func PlatformForMixer(mode int) int {
	if mode <= 0 || mode >= len(MixerNames) {
		return 0
	}
	switch MixerNames[mode] {
	case "TRI", "CUSTOM_TRI":
		return 3
	case "FLYING_WING", "AIRPLANE", "CUSTOM_AIRPLANE":
		return 1
	case "HELI_120_CCPM", "HELI_90_DEG":
		return 2
	}
	return 0
}

// MixerForPlatform is the preset selected for a platform when no explicit
// mixer is given.
func MixerForPlatform(platform int) int {
	switch platform {
	case 1:
		return 14 // AIRPLANE
	case 2:
		return 15 // HELI_120_CCPM
	case 3:
		return 1 // TRI
	}
	return 3 // QUADX
}
