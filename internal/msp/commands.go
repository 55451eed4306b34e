package msp

import "fmt"

// MSP command identifiers used by the configurator.
const (
	APIVersion uint16 = 1
	FCVariant  uint16 = 2
	FCVersion  uint16 = 3
	BoardInfo  uint16 = 4
	BuildInfo  uint16 = 5
	Name       uint16 = 10

	ModeRanges    uint16 = 34
	SetModeRange  uint16 = 35
	Feature       uint16 = 36
	SetFeature    uint16 = 37
	MixerConfig   uint16 = 42
	SetMixerCfg   uint16 = 43
	Reboot        uint16 = 68
	Status        uint16 = 101
	BoxNames      uint16 = 116
	BoxIDs        uint16 = 119
	StatusEx      uint16 = 150
	ServoMixRules uint16 = 241
	SetServoMix   uint16 = 242
	EepromWrite   uint16 = 250

	CommonMotorMixer    uint16 = 0x1005
	CommonSetMotorMixer uint16 = 0x1006
	InavStatus          uint16 = 0x2000
	InavMixer           uint16 = 0x2010
	InavSetMixer        uint16 = 0x2011
	InavServoMixer      uint16 = 0x2020
	InavSetServoMixer   uint16 = 0x2021
)

var names = map[uint16]string{
	APIVersion:          "MSP_API_VERSION",
	FCVariant:           "MSP_FC_VARIANT",
	FCVersion:           "MSP_FC_VERSION",
	BoardInfo:           "MSP_BOARD_INFO",
	BuildInfo:           "MSP_BUILD_INFO",
	Name:                "MSP_NAME",
	ModeRanges:          "MSP_MODE_RANGES",
	SetModeRange:        "MSP_SET_MODE_RANGE",
	Feature:             "MSP_FEATURE",
	SetFeature:          "MSP_SET_FEATURE",
	MixerConfig:         "MSP_MIXER_CONFIG",
	SetMixerCfg:         "MSP_SET_MIXER_CONFIG",
	Reboot:              "MSP_REBOOT",
	Status:              "MSP_STATUS",
	BoxNames:            "MSP_BOXNAMES",
	BoxIDs:              "MSP_BOXIDS",
	StatusEx:            "MSP_STATUS_EX",
	ServoMixRules:       "MSP_SERVO_MIX_RULES",
	SetServoMix:         "MSP_SET_SERVO_MIX_RULE",
	EepromWrite:         "MSP_EEPROM_WRITE",
	CommonMotorMixer:    "MSP2_COMMON_MOTOR_MIXER",
	CommonSetMotorMixer: "MSP2_COMMON_SET_MOTOR_MIXER",
	InavStatus:          "MSP2_INAV_STATUS",
	InavMixer:           "MSP2_INAV_MIXER",
	InavSetMixer:        "MSP2_INAV_SET_MIXER",
	InavServoMixer:      "MSP2_INAV_SERVO_MIXER",
	InavSetServoMixer:   "MSP2_INAV_SET_SERVO_MIXER",
}

// CommandName returns the symbolic name of code, or its number.
func CommandName(code uint16) string {
	if n, ok := names[code]; ok {
		return n
	}
	return fmt.Sprintf("MSP_%d", code)
}

// RequiresV2 reports whether code can only be carried in a v2 frame.
func RequiresV2(code uint16) bool { return code > 0xFF }
