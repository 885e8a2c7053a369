package util

import (
	"github.com/berfenger/blackstartd/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	enabled := true
	return config.Config{
		LogLevel: zap.DebugLevel,
		Port:     8080,
		Simulate: true,
		MQTT: config.MQTTConfig{
			Host:             "localhost",
			Port:             1883,
			BaseTopic:        "blackstart",
			HADiscoveryTopic: "homeassistant",
		},
		Timing: config.TimingConfig{
			PollIntervalMillis:    10,
			LoadSettleMillis:      5,
			ReconnectSettleMillis: 5,
			RestoreLoadMillis:     5,
			RestoreSettleMillis:   30,
			StatusBroadcastMillis: 100,
			CommandTimeoutMillis:  1000,
		},
		Sites: []config.SiteConfig{
			{
				Id:      "site-a",
				Enabled: &enabled,
				Battery: config.BatteryConfig{
					CapacityKWh:          100,
					MaxDischargeCurrentA: 125,
					NominalDCVoltageV:    400,
				},
				Loads: []config.LoadConfig{
					{Id: "P1", Name: "hospital wing", Power: 10, Priority: 1, MinRuntime: 60},
					{Id: "P2", Name: "water pumps", Power: 5, Priority: 2, MinRuntime: 60, CanShed: true},
					{Id: "P3", Name: "lighting", Power: 3, Priority: 3, MinRuntime: 60, CanShed: true},
				},
				InitialSoc: 80,
			},
		},
	}
}
