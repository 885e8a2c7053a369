package service

import (
	"context"
	"fmt"
	"math"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/port"

	"go.uber.org/zap"
)

type SyncCheck struct {
	VoltageError   float64 // %
	FrequencyError float64 // Hz
	PhaseError     float64 // degrees
	VoltageOk      bool
	FrequencyOk    bool
	PhaseOk        bool
}

// Matched is true only when voltage, frequency and phase are all inside their windows.
func (c SyncCheck) Matched() bool {
	return c.VoltageOk && c.FrequencyOk && c.PhaseOk
}

// PhaseDifference returns the absolute angle between two phases in [0, 180] degrees.
func PhaseDifference(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// CheckSync compares the inverter output against the stored grid reference.
func CheckSync(cfg domain.BlackStartConfig, ref domain.GridStatus, reading domain.TelemetryReading) SyncCheck {
	check := SyncCheck{
		FrequencyError: math.Abs(reading.InverterFrequency - ref.Frequency),
		PhaseError:     PhaseDifference(reading.InverterPhase, ref.Phase),
	}
	if ref.Voltage > 0 {
		check.VoltageError = math.Abs(reading.InverterVoltage-ref.Voltage) / ref.Voltage * 100
		check.VoltageOk = check.VoltageError < cfg.ResyncVoltageWindow
	}
	check.FrequencyOk = check.FrequencyError < cfg.ResyncFrequencyWindow
	check.PhaseOk = check.PhaseError < cfg.ResyncPhaseWindow
	return check
}

// GridResynchronizer drives the inverter towards the grid and reconnects the site.
type GridResynchronizer struct {
	Dispatcher port.CommandDispatcher
	Timings    Timings
	Observer   CommandObserver
	Logger     *zap.Logger
}

// BeginSync commands the inverter to track the measured grid voltage and frequency.
func (r *GridResynchronizer) BeginSync(ctx context.Context, siteId string, ref domain.GridStatus, asset domain.SiteAsset) error {
	cmd := domain.InverterModeCommand(domain.INVERTER_MODE_GRID_SYNC, ref.Voltage, ref.Frequency, asset.RampRatePercentPerSecond)
	if err := send(ctx, r.Dispatcher, r.Observer, r.Timings, siteId, cmd); err != nil {
		return fmt.Errorf("set inverter grid sync: %w", err)
	}
	r.Logger.Info("resync@sync inverter tracking grid", zap.String("site", siteId),
		zap.Float64("voltage", ref.Voltage), zap.Float64("frequency", ref.Frequency))
	return nil
}

// Reconnect closes the grid-tie breaker, returns the inverter to grid-tied mode
// and restores the shed loads one at a time.
func (r *GridResynchronizer) Reconnect(ctx context.Context, cfg domain.BlackStartConfig, asset domain.SiteAsset, shed []string) error {
	siteId := cfg.SiteId
	logger := r.Logger.With(zap.String("site", siteId))

	if err := send(ctx, r.Dispatcher, r.Observer, r.Timings, siteId, domain.CloseBreakerCommand()); err != nil {
		return fmt.Errorf("close grid-tie breaker: %w", err)
	}
	logger.Info("resync@reconnecting grid-tie breaker closed")
	if err := sleep(ctx, r.Timings.ReconnectSettleDelay); err != nil {
		return err
	}

	cmd := domain.InverterModeCommand(domain.INVERTER_MODE_GRID_TIED, asset.NominalACVoltageV, asset.NominalFrequencyHz,
		asset.RampRatePercentPerSecond)
	if err := send(ctx, r.Dispatcher, r.Observer, r.Timings, siteId, cmd); err != nil {
		return fmt.Errorf("set inverter grid tied: %w", err)
	}
	logger.Info("resync@reconnecting inverter grid tied")

	for _, id := range shed {
		load, ok := cfg.Load(id)
		if !ok {
			continue
		}
		if err := send(ctx, r.Dispatcher, r.Observer, r.Timings, siteId, domain.ContactorCommand(load, true)); err != nil {
			return fmt.Errorf("restore load %s: %w", id, err)
		}
		logger.Info("resync@reconnecting load restored", zap.String("load", id))
		if err := sleep(ctx, r.Timings.RestoreLoadDelay); err != nil {
			return err
		}
	}
	return nil
}

// ResumeIsland isolates the site again after an aborted synchronization or
// reconnection and hands voltage and frequency back to the inverter.
func (r *GridResynchronizer) ResumeIsland(ctx context.Context, cfg domain.BlackStartConfig, asset domain.SiteAsset, shed []string) error {
	siteId := cfg.SiteId
	if err := send(ctx, r.Dispatcher, r.Observer, r.Timings, siteId, domain.OpenBreakerCommand()); err != nil {
		return fmt.Errorf("open grid-tie breaker: %w", err)
	}
	cmd := domain.InverterModeCommand(domain.INVERTER_MODE_ISLAND_FORMING, asset.NominalACVoltageV, asset.NominalFrequencyHz,
		asset.RampRatePercentPerSecond)
	if err := send(ctx, r.Dispatcher, r.Observer, r.Timings, siteId, cmd); err != nil {
		return fmt.Errorf("set inverter island forming: %w", err)
	}
	for _, id := range shed {
		load, ok := cfg.Load(id)
		if !ok {
			continue
		}
		if err := send(ctx, r.Dispatcher, r.Observer, r.Timings, siteId, domain.ContactorCommand(load, false)); err != nil {
			return fmt.Errorf("shed load %s: %w", id, err)
		}
	}
	r.Logger.Info("resync@abort inverter back in island forming mode", zap.String("site", siteId))
	return nil
}
