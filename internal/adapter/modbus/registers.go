package modbus

import (
	"fmt"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
)

// Register scaling. Values are transferred as fixed point integers.
const (
	voltageScale   = 10.0
	frequencyScale = 100.0
	phaseScale     = 10.0
	socScale       = 10.0
	powerScale     = 10.0
	rampScale      = 10.0
)

// RegisterMap locates the site controller points. Coils are written to
// command and the discrete input at the same role reports the applied state.
type RegisterMap struct {
	BreakerCoil   uint16 `mapstructure:"breaker_coil"`   // coil, true = closed
	BreakerStatus uint16 `mapstructure:"breaker_status"` // discrete input

	InverterMode       uint16 `mapstructure:"inverter_mode"`        // holding, mode code
	VoltageSetpoint    uint16 `mapstructure:"voltage_setpoint"`     // holding, V*10
	FrequencySetpoint  uint16 `mapstructure:"frequency_setpoint"`   // holding, Hz*100
	RampRateSetpoint   uint16 `mapstructure:"ramp_rate_setpoint"`   // holding, %/s*10
	InverterModeStatus uint16 `mapstructure:"inverter_mode_status"` // input, mode code

	GridVoltage   uint16 `mapstructure:"grid_voltage"`   // input, V*10
	GridFrequency uint16 `mapstructure:"grid_frequency"` // input, Hz*100
	GridPhase     uint16 `mapstructure:"grid_phase"`     // input, deg*10

	Soc               uint16 `mapstructure:"soc"`                // input, %*10
	BatteryPower      uint16 `mapstructure:"battery_power"`      // input, int16 kW*10
	InverterVoltage   uint16 `mapstructure:"inverter_voltage"`   // input, V*10
	InverterFrequency uint16 `mapstructure:"inverter_frequency"` // input, Hz*100
	InverterPhase     uint16 `mapstructure:"inverter_phase"`     // input, deg*10

	// contactor id -> coil address; its state is read from the discrete input
	// with the same address
	Contactors map[string]uint16 `mapstructure:"contactors"`
}

// DefaultRegisterMap is the layout of the reference site controller.
func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		BreakerCoil:        0,
		BreakerStatus:      0,
		InverterMode:       100,
		VoltageSetpoint:    101,
		FrequencySetpoint:  102,
		RampRateSetpoint:   103,
		InverterModeStatus: 100,
		GridVoltage:        0,
		GridFrequency:      1,
		GridPhase:          2,
		Soc:                10,
		BatteryPower:       11,
		InverterVoltage:    12,
		InverterFrequency:  13,
		InverterPhase:      14,
		Contactors:         map[string]uint16{},
	}
}

type Endpoint struct {
	SiteId    string
	URL       string // tcp://host:port
	UnitId    uint8
	Timeout   time.Duration
	AckPoll   time.Duration
	Registers RegisterMap
}

var modeCodes = map[domain.InverterMode]uint16{
	domain.INVERTER_MODE_GRID_TIED:      0,
	domain.INVERTER_MODE_ISLAND_FORMING: 1,
	domain.INVERTER_MODE_GRID_SYNC:      2,
}

func ModeCode(mode domain.InverterMode) (uint16, error) {
	code, ok := modeCodes[mode]
	if !ok {
		return 0, fmt.Errorf("unknown inverter mode %q", mode)
	}
	return code, nil
}

func ModeFromCode(code uint16) (domain.InverterMode, error) {
	for mode, c := range modeCodes {
		if c == code {
			return mode, nil
		}
	}
	return "", fmt.Errorf("unknown inverter mode code %d", code)
}

func encode(value, scale float64) uint16 {
	return uint16(value*scale + 0.5)
}

func decode(raw uint16, scale float64) float64 {
	return float64(raw) / scale
}

func decodeSigned(raw uint16, scale float64) float64 {
	return float64(int16(raw)) / scale
}

func EncodePower(kw float64) uint16 {
	if kw < 0 {
		return uint16(int16(kw*powerScale - 0.5))
	}
	return uint16(int16(kw*powerScale + 0.5))
}
