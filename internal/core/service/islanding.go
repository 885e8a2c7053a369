package service

import (
	"context"
	"fmt"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/port"

	"go.uber.org/zap"
)

// CommandObserver is notified of every dispatched command and its outcome.
type CommandObserver func(siteId string, cmd domain.Command, err error)

type IslandingInput struct {
	Config  domain.BlackStartConfig
	Asset   domain.SiteAsset
	Reading domain.TelemetryReading
}

type IslandingResult struct {
	Allocation      LoadAllocation
	AvailablePower  float64 // kW, from discharge current limit and nominal voltage
	RemainingEnergy float64 // kWh
	CurrentLoad     float64 // kW of energized loads
	CompletedAt     time.Time
}

// BlackStartSequence isolates the site from the grid and energizes the critical loads.
type BlackStartSequence struct {
	Dispatcher port.CommandDispatcher
	Timings    Timings
	Observer   CommandObserver
	Logger     *zap.Logger
}

// Run executes the islanding steps in order. The first failing step aborts
// the sequence and its error is returned; nothing is retried.
func (s *BlackStartSequence) Run(ctx context.Context, in IslandingInput) (*IslandingResult, error) {
	cfg := in.Config
	siteId := cfg.SiteId
	logger := s.Logger.With(zap.String("site", siteId))

	// 1. isolate from utility
	if err := send(ctx, s.Dispatcher, s.Observer, s.Timings, siteId, domain.OpenBreakerCommand()); err != nil {
		return nil, fmt.Errorf("open grid-tie breaker: %w", err)
	}
	logger.Info("blackstart@islanding grid-tie breaker open")

	// 2. grid forming
	cmd := domain.InverterModeCommand(domain.INVERTER_MODE_ISLAND_FORMING,
		in.Asset.NominalACVoltageV, in.Asset.NominalFrequencyHz, in.Asset.RampRatePercentPerSecond)
	if err := send(ctx, s.Dispatcher, s.Observer, s.Timings, siteId, cmd); err != nil {
		return nil, fmt.Errorf("set inverter island forming: %w", err)
	}
	logger.Info("blackstart@islanding inverter island forming",
		zap.Float64("voltage", in.Asset.NominalACVoltageV), zap.Float64("frequency", in.Asset.NominalFrequencyHz))

	// 3. load allocation
	var alloc LoadAllocation
	if cfg.LoadSheddingEnabled {
		alloc = PlanLoadAllocation(cfg.CriticalLoads, in.Reading.SOC, in.Asset.Battery)
	} else {
		alloc = AllActive(cfg.CriticalLoads, in.Reading.SOC, in.Asset.Battery)
	}
	if alloc.OverBudget() {
		logger.Warn("blackstart@islanding mandatory loads exceed power budget",
			zap.Float64("allocated", alloc.AllocatedPower), zap.Float64("budget", alloc.AvailablePower))
	}
	for _, id := range alloc.Shed {
		load, _ := cfg.Load(id)
		if err := send(ctx, s.Dispatcher, s.Observer, s.Timings, siteId, domain.ContactorCommand(load, false)); err != nil {
			return nil, fmt.Errorf("shed load %s: %w", id, err)
		}
		logger.Info("blackstart@islanding load shed", zap.String("load", id))
	}

	// 4. energize one load at a time
	currentLoad := 0.0
	for _, id := range alloc.Active {
		load, _ := cfg.Load(id)
		if err := send(ctx, s.Dispatcher, s.Observer, s.Timings, siteId, domain.ContactorCommand(load, true)); err != nil {
			return nil, fmt.Errorf("energize load %s: %w", id, err)
		}
		currentLoad += load.Power
		logger.Info("blackstart@islanding load energized", zap.String("load", id), zap.Float64("power", load.Power))
		if err := sleep(ctx, s.Timings.LoadSettleDelay); err != nil {
			return nil, fmt.Errorf("energize load %s: %w", id, err)
		}
	}

	// 5. island figures
	return &IslandingResult{
		Allocation:      alloc,
		AvailablePower:  in.Asset.Battery.MaxDischargePowerKW(),
		RemainingEnergy: in.Asset.Battery.EnergyKWh(in.Reading.SOC),
		CurrentLoad:     currentLoad,
		CompletedAt:     time.Now(),
	}, nil
}

func send(ctx context.Context, dispatcher port.CommandDispatcher, observer CommandObserver, timings Timings,
	siteId string, cmd domain.Command) error {
	cmdCtx := ctx
	if timings.CommandTimeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, timings.CommandTimeout)
		defer cancel()
	}
	err := dispatcher.Send(cmdCtx, siteId, cmd)
	if observer != nil {
		observer(siteId, cmd, err)
	}
	return err
}
