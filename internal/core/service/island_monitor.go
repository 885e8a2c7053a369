package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/port"
)

// MonitorUpdate is the island monitor's proposal for one tick. The site actor
// applies it to the IslandStatus it owns.
type MonitorUpdate struct {
	SOC              float64
	CurrentLoad      float64 // kW
	RemainingEnergy  float64 // kWh
	EstimatedRuntime float64 // minutes
	Duration         float64 // seconds
	EnergyDelta      float64 // kWh delivered during the tick
	LowSoc           bool
	EmergencyShed    *domain.CriticalLoad
	Broadcast        bool
}

// IslandMonitor tracks energy and runtime while islanded and sheds loads when
// the battery runs low.
type IslandMonitor struct {
	Dispatcher port.CommandDispatcher
	Timings    Timings
	Observer   CommandObserver
}

// EstimateRuntime returns minutes of runtime left at the current load.
func EstimateRuntime(remainingEnergy, currentLoad float64) float64 {
	if currentLoad <= 0 {
		return domain.RuntimeUnbounded
	}
	return remainingEnergy / currentLoad * 60
}

// Evaluate computes the island figures for one tick from the latest telemetry.
func (m IslandMonitor) Evaluate(status *domain.IslandStatus, cfg domain.BlackStartConfig, asset domain.SiteAsset,
	reading domain.TelemetryReading, tick time.Duration) MonitorUpdate {

	currentLoad := math.Abs(reading.PowerKW)
	remaining := asset.Battery.EnergyKWh(reading.SOC)
	duration := status.Duration + tick.Seconds()

	update := MonitorUpdate{
		SOC:              reading.SOC,
		CurrentLoad:      currentLoad,
		RemainingEnergy:  remaining,
		EstimatedRuntime: EstimateRuntime(remaining, currentLoad),
		Duration:         duration,
		EnergyDelta:      currentLoad * tick.Hours(),
		Broadcast:        crossedInterval(status.Duration, duration, m.Timings.StatusBroadcastInterval),
	}

	if reading.SOC < EMERGENCY_SOC_THRESHOLD {
		update.LowSoc = true
		// applies even when the initial allocation kept every load
		if load, ok := SelectEmergencyShed(cfg.CriticalLoads, status.ActiveLoads); ok {
			update.EmergencyShed = &load
		}
	}
	return update
}

// Shed opens the contactor of a load selected for emergency shedding.
func (m IslandMonitor) Shed(ctx context.Context, siteId string, load domain.CriticalLoad) error {
	if err := send(ctx, m.Dispatcher, m.Observer, m.Timings, siteId, domain.ContactorCommand(load, false)); err != nil {
		return fmt.Errorf("emergency shed %s: %w", load.Id, err)
	}
	return nil
}

func crossedInterval(prev, next float64, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}
	step := interval.Seconds()
	return math.Floor(next/step) > math.Floor(prev/step)
}
