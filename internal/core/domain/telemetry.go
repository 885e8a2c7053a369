package domain

import "time"

type TelemetryReading struct {
	Timestamp         time.Time `json:"timestamp"`
	SOC               float64   `json:"soc"`      // %
	PowerKW           float64   `json:"power_kw"` // battery output, positive when discharging
	InverterVoltage   float64   `json:"inverter_voltage"`
	InverterFrequency float64   `json:"inverter_frequency"`
	InverterPhase     float64   `json:"inverter_phase"`
}

type BatterySpec struct {
	CapacityKWh          float64 `json:"capacity_kwh"`
	MaxDischargeCurrentA float64 `json:"max_discharge_current_a"`
	NominalDCVoltageV    float64 `json:"nominal_dc_voltage_v"`
}

// MaxDischargePowerKW is the discharge power limit derived from the current limit and nominal voltage.
func (b BatterySpec) MaxDischargePowerKW() float64 {
	return b.MaxDischargeCurrentA * b.NominalDCVoltageV / 1000
}

// EnergyKWh returns the energy stored at the given state of charge.
func (b BatterySpec) EnergyKWh(soc float64) float64 {
	return soc / 100 * b.CapacityKWh
}

type SiteAsset struct {
	SiteId                   string      `json:"site_id"`
	Battery                  BatterySpec `json:"battery"`
	NominalACVoltageV        float64     `json:"nominal_ac_voltage_v"`
	NominalFrequencyHz       float64     `json:"nominal_frequency_hz"`
	RampRatePercentPerSecond float64     `json:"ramp_rate_percent_per_second"`
}
