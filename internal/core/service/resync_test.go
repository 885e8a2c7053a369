package service

import (
	"context"
	"testing"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPhaseDifference(t *testing.T) {
	assert.InDelta(t, 5.0, PhaseDifference(10, 5), 1e-9)
	assert.InDelta(t, 5.0, PhaseDifference(5, 10), 1e-9)
	assert.InDelta(t, 10.0, PhaseDifference(355, 5), 1e-9)
	assert.InDelta(t, 180.0, PhaseDifference(0, 180), 1e-9)
	assert.InDelta(t, 20.0, PhaseDifference(-10, 370), 1e-9)
}

func TestCheckSyncMatched(t *testing.T) {
	ref := domain.GridStatus{IsAvailable: true, Voltage: 230, Frequency: 50, Phase: 0}
	check := CheckSync(testConfig(), ref,
		domain.TelemetryReading{InverterVoltage: 232, InverterFrequency: 50.05, InverterPhase: 355})
	assert.True(t, check.Matched())
	assert.InDelta(t, 5.0, check.PhaseError, 1e-9)
}

func TestCheckSyncSingleQuantityOutOfTolerance(t *testing.T) {
	cfg := testConfig()
	ref := domain.GridStatus{IsAvailable: true, Voltage: 230, Frequency: 50, Phase: 30}
	matching := domain.TelemetryReading{InverterVoltage: 230, InverterFrequency: 50, InverterPhase: 30}
	require.True(t, CheckSync(cfg, ref, matching).Matched())

	voltage := matching
	voltage.InverterVoltage = 245
	check := CheckSync(cfg, ref, voltage)
	assert.False(t, check.Matched())
	assert.False(t, check.VoltageOk)
	assert.True(t, check.FrequencyOk)
	assert.True(t, check.PhaseOk)

	frequency := matching
	frequency.InverterFrequency = 50.2
	check = CheckSync(cfg, ref, frequency)
	assert.False(t, check.Matched())
	assert.True(t, check.VoltageOk)
	assert.False(t, check.FrequencyOk)
	assert.True(t, check.PhaseOk)

	phase := matching
	phase.InverterPhase = 45
	check = CheckSync(cfg, ref, phase)
	assert.False(t, check.Matched())
	assert.True(t, check.VoltageOk)
	assert.True(t, check.FrequencyOk)
	assert.False(t, check.PhaseOk)
}

func TestCheckSyncNoReferenceVoltage(t *testing.T) {
	check := CheckSync(testConfig(), domain.GridStatus{}, domain.TelemetryReading{})
	assert.False(t, check.Matched())
}

func TestBeginSync(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	r := &GridResynchronizer{Dispatcher: dispatcher, Timings: fastTimings(), Logger: zap.NewNop()}

	err := r.BeginSync(context.Background(), "site-a",
		domain.GridStatus{Voltage: 228, Frequency: 49.98}, testAsset())
	require.NoError(t, err)

	cmds := dispatcher.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, domain.INVERTER_MODE_GRID_SYNC, cmds[0].Params.Mode)
	assert.Equal(t, 228.0, cmds[0].Params.VoltageTarget)
	assert.Equal(t, 49.98, cmds[0].Params.FrequencyTarget)
}

func TestReconnectRestoresShedLoads(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	r := &GridResynchronizer{Dispatcher: dispatcher, Timings: fastTimings(), Logger: zap.NewNop()}

	err := r.Reconnect(context.Background(), testConfig(), testAsset(), []string{"P3", "P2"})
	require.NoError(t, err)

	cmds := dispatcher.commands()
	require.Len(t, cmds, 4)
	assert.Equal(t, domain.CMD_CLOSE_BREAKER, cmds[0].Kind)
	assert.Equal(t, domain.CMD_SET_INVERTER_MODE, cmds[1].Kind)
	assert.Equal(t, domain.INVERTER_MODE_GRID_TIED, cmds[1].Params.Mode)
	assert.Equal(t, domain.CMD_CLOSE_CONTACTOR, cmds[2].Kind)
	assert.Equal(t, "P3", cmds[2].Params.LoadId)
	assert.Equal(t, "P2", cmds[3].Params.LoadId)
}

func TestReconnectBreakerFailure(t *testing.T) {
	dispatcher := &recordingDispatcher{failOn: map[domain.CommandKind]bool{domain.CMD_CLOSE_BREAKER: true}}
	r := &GridResynchronizer{Dispatcher: dispatcher, Timings: fastTimings(), Logger: zap.NewNop()}

	err := r.Reconnect(context.Background(), testConfig(), testAsset(), []string{"P3"})
	assert.ErrorIs(t, err, errInjected)
	assert.Len(t, dispatcher.commands(), 1)
}

func TestResumeIslandRestoresIslandConfiguration(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	r := &GridResynchronizer{Dispatcher: dispatcher, Timings: fastTimings(), Logger: zap.NewNop()}

	err := r.ResumeIsland(context.Background(), testConfig(), testAsset(), []string{"P3"})
	require.NoError(t, err)

	cmds := dispatcher.commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, domain.CMD_OPEN_BREAKER, cmds[0].Kind)
	assert.Equal(t, domain.CMD_SET_INVERTER_MODE, cmds[1].Kind)
	assert.Equal(t, domain.INVERTER_MODE_ISLAND_FORMING, cmds[1].Params.Mode)
	assert.Equal(t, 230.0, cmds[1].Params.VoltageTarget)
	assert.Equal(t, 50.0, cmds[1].Params.FrequencyTarget)
	assert.Equal(t, domain.CMD_OPEN_CONTACTOR, cmds[2].Kind)
	assert.Equal(t, "P3", cmds[2].Params.LoadId)
}

func TestResumeIslandInverterFailure(t *testing.T) {
	dispatcher := &recordingDispatcher{failOn: map[domain.CommandKind]bool{domain.CMD_SET_INVERTER_MODE: true}}
	r := &GridResynchronizer{Dispatcher: dispatcher, Timings: fastTimings(), Logger: zap.NewNop()}

	err := r.ResumeIsland(context.Background(), testConfig(), testAsset(), []string{"P3"})
	assert.ErrorIs(t, err, errInjected)
	assert.Len(t, dispatcher.commands(), 2)
}
