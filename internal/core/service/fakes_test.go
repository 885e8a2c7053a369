package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
)

var errInjected = errors.New("injected failure")

type sentCommand struct {
	Cmd domain.Command
	At  time.Time
}

type recordingDispatcher struct {
	mu     sync.Mutex
	sent   []sentCommand
	failOn map[domain.CommandKind]bool
}

func (d *recordingDispatcher) Send(_ context.Context, _ string, cmd domain.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentCommand{Cmd: cmd, At: time.Now()})
	if d.failOn[cmd.Kind] {
		return errInjected
	}
	return nil
}

func (d *recordingDispatcher) commands() []domain.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmds := make([]domain.Command, 0, len(d.sent))
	for _, s := range d.sent {
		cmds = append(cmds, s.Cmd)
	}
	return cmds
}

func testBattery() domain.BatterySpec {
	// 100 kWh, 125 A * 400 V = 50 kW
	return domain.BatterySpec{CapacityKWh: 100, MaxDischargeCurrentA: 125, NominalDCVoltageV: 400}
}

func testAsset() domain.SiteAsset {
	return domain.SiteAsset{
		SiteId:                   "site-a",
		Battery:                  testBattery(),
		NominalACVoltageV:        230,
		NominalFrequencyHz:       50,
		RampRatePercentPerSecond: 10,
	}
}

func testLoads() []domain.CriticalLoad {
	return []domain.CriticalLoad{
		{Id: "P1", Name: "hospital wing", Power: 10, Priority: 1, MinRuntime: 60, CanShed: false},
		{Id: "P2", Name: "water pumps", Power: 5, Priority: 2, MinRuntime: 60, CanShed: true},
		{Id: "P3", Name: "lighting", Power: 3, Priority: 3, MinRuntime: 60, CanShed: true},
	}
}

func testConfig() domain.BlackStartConfig {
	return domain.BlackStartConfig{
		SiteId:                "site-a",
		Enabled:               true,
		GridLossDetectionTime: 100 * time.Millisecond,
		TransferTime:          20 * time.Millisecond,
		MinSocForBlackStart:   30,
		ResyncVoltageWindow:   5,
		ResyncFrequencyWindow: 0.1,
		ResyncPhaseWindow:     10,
		CriticalLoads:         testLoads(),
		LoadSheddingEnabled:   true,
		AutoReconnect:         true,
	}
}

func fastTimings() Timings {
	return Timings{
		PollInterval:            5 * time.Millisecond,
		LoadSettleDelay:         10 * time.Millisecond,
		ReconnectSettleDelay:    5 * time.Millisecond,
		RestoreLoadDelay:        5 * time.Millisecond,
		RestoreSettleDelay:      20 * time.Millisecond,
		StatusBroadcastInterval: 50 * time.Millisecond,
		CommandTimeout:          time.Second,
	}
}
