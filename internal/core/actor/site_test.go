package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/berfenger/blackstartd/internal/adapter/emulated"
	"github.com/berfenger/blackstartd/internal/adapter/recorder"
	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/port"
	"github.com/berfenger/blackstartd/internal/core/service"
	"github.com/berfenger/blackstartd/internal/observability"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSite = "site-a"
	waitFor  = 3 * time.Second
	tick     = 10 * time.Millisecond
)

func testTimings() service.Timings {
	return service.Timings{
		PollInterval:            10 * time.Millisecond,
		LoadSettleDelay:         5 * time.Millisecond,
		ReconnectSettleDelay:    5 * time.Millisecond,
		RestoreLoadDelay:        5 * time.Millisecond,
		RestoreSettleDelay:      30 * time.Millisecond,
		StatusBroadcastInterval: 100 * time.Millisecond,
		CommandTimeout:          time.Second,
	}
}

func testAsset() domain.SiteAsset {
	return domain.SiteAsset{
		SiteId:                   testSite,
		Battery:                  domain.BatterySpec{CapacityKWh: 100, MaxDischargeCurrentA: 125, NominalDCVoltageV: 400},
		NominalACVoltageV:        230,
		NominalFrequencyHz:       50,
		RampRatePercentPerSecond: 10,
	}
}

func testConfig() domain.BlackStartConfig {
	return domain.BlackStartConfig{
		SiteId:                testSite,
		Enabled:               true,
		GridLossDetectionTime: 100 * time.Millisecond,
		TransferTime:          20 * time.Millisecond,
		MinSocForBlackStart:   30,
		ResyncVoltageWindow:   5,
		ResyncFrequencyWindow: 0.1,
		ResyncPhaseWindow:     10,
		CriticalLoads: []domain.CriticalLoad{
			{Id: "P1", Name: "hospital wing", Power: 10, Priority: 1, MinRuntime: 60, CanShed: false},
			{Id: "P2", Name: "water pumps", Power: 5, Priority: 2, MinRuntime: 60, CanShed: true},
			{Id: "P3", Name: "lighting", Power: 3, Priority: 3, MinRuntime: 60, CanShed: true},
		},
		LoadSheddingEnabled: true,
		AutoReconnect:       true,
	}
}

type harness struct {
	system       *actor.ActorSystem
	orchestrator *Orchestrator
	emulator     *emulated.Emulator
	site         *emulated.Site
	recorder     *recorder.MemoryRecorder
	metrics      *observability.Metrics
}

func newHarness(t *testing.T, soc float64) *harness {
	t.Helper()
	cfg := testConfig()
	h := &harness{
		system:   actor.NewActorSystem(),
		emulator: emulated.NewEmulator(),
		recorder: recorder.NewMemoryRecorder(),
		metrics:  observability.NewMetrics(),
	}
	h.site = h.emulator.AddSite(testAsset(), cfg.CriticalLoads, soc)

	opts := OrchestratorOptions{
		Hardware: func(siteId string) (port.SiteHardware, error) {
			return port.SiteHardware{
				Probe:      h.emulator,
				Dispatcher: h.emulator,
				Telemetry:  h.emulator,
				Assets:     h.emulator,
				Recorder:   h.recorder,
			}, nil
		},
		Timings: testTimings(),
		Metrics: h.metrics,
	}
	o, err := SpawnOrchestrator(h.system, opts, 2*time.Second, zap.NewNop())
	require.NoError(t, err)
	h.orchestrator = o
	t.Cleanup(func() {
		_ = o.Shutdown()
		h.system.Shutdown()
	})
	return h
}

func (h *harness) register(t *testing.T, cfg domain.BlackStartConfig) {
	t.Helper()
	require.NoError(t, h.orchestrator.Initialize(context.Background(), cfg))
}

func (h *harness) status(t *testing.T) *domain.IslandStatus {
	t.Helper()
	status, err := h.orchestrator.GetIslandStatus(context.Background(), testSite)
	require.NoError(t, err)
	return status
}

func (h *harness) waitState(t *testing.T, state domain.IslandState) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := h.orchestrator.GetIslandStatus(context.Background(), testSite)
		return err == nil && status.State == state
	}, waitFor, tick, "site never reached %s", state)
}

func commandKinds(cmds []emulated.RecordedCommand) []domain.CommandKind {
	kinds := make([]domain.CommandKind, 0, len(cmds))
	for _, c := range cmds {
		kinds = append(kinds, c.Cmd.Kind)
	}
	return kinds
}

func TestAutomaticBlackStartRoundTrip(t *testing.T) {
	h := newHarness(t, 80)
	h.register(t, testConfig())
	h.waitState(t, domain.STATE_STANDBY)

	h.site.SetGridAvailable(false)
	h.waitState(t, domain.STATE_ISLAND_MODE)

	status := h.status(t)
	assert.ElementsMatch(t, []string{"P1", "P2", "P3"}, status.ActiveLoads)
	assert.Empty(t, status.ShedLoads)
	assert.InDelta(t, 50.0, status.AvailablePower, 0.001)
	assert.InDelta(t, 80.0, status.RemainingEnergy, 0.001)
	require.NotEmpty(t, status.EventId)
	assert.False(t, h.site.BreakerClosed())
	assert.Equal(t, domain.INVERTER_MODE_ISLAND_FORMING, h.site.InverterMode())

	event, ok := h.recorder.Event(status.EventId)
	require.True(t, ok)
	assert.Equal(t, domain.TRIGGER_AUTOMATIC, event.TriggeredBy)
	assert.Equal(t, domain.STATE_ISLAND_MODE, event.State)

	h.site.SetGridAvailable(true)
	h.waitState(t, domain.STATE_STANDBY)

	assert.True(t, h.site.BreakerClosed())
	assert.Equal(t, domain.INVERTER_MODE_GRID_TIED, h.site.InverterMode())
	for _, id := range []string{"P1", "P2", "P3"} {
		assert.True(t, h.site.ContactorClosed(id), id)
	}
	status = h.status(t)
	assert.ElementsMatch(t, []string{"P1", "P2", "P3"}, status.ActiveLoads)
	assert.Empty(t, status.ShedLoads)
	assert.Empty(t, status.EventId)

	event, ok = h.recorder.Event(event.Id)
	require.True(t, ok)
	assert.True(t, event.Success)
	assert.Equal(t, domain.STATE_RESTORED, event.State)
	assert.NotNil(t, event.EndTime)

	titles := []string{}
	for _, a := range h.recorder.AlertsWith(domain.SEVERITY_INFO) {
		titles = append(titles, a.Title)
	}
	assert.Contains(t, titles, "Black start activated")
	assert.Contains(t, titles, "Grid restored")
	assert.Empty(t, h.recorder.AlertsWith(domain.SEVERITY_CRITICAL))

	// sync must precede the breaker close, grid tied must follow it
	kinds := commandKinds(h.site.Commands())
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, domain.CMD_OPEN_BREAKER, kinds[0])
	assert.Equal(t, domain.CMD_SET_INVERTER_MODE, kinds[1])
	assert.Contains(t, kinds, domain.CMD_CLOSE_BREAKER)
}

func TestManualBlackStartAndReconnect(t *testing.T) {
	h := newHarness(t, 80)
	cfg := testConfig()
	cfg.AutoReconnect = false
	h.register(t, cfg)
	h.waitState(t, domain.STATE_STANDBY)

	eventId, err := h.orchestrator.InitiateBlackStart(context.Background(), testSite, "drill")
	require.NoError(t, err)
	require.NotEmpty(t, eventId)
	h.waitState(t, domain.STATE_ISLAND_MODE)

	event, ok := h.recorder.Event(eventId)
	require.True(t, ok)
	assert.Equal(t, domain.TRIGGER_MANUAL, event.TriggeredBy)
	assert.Equal(t, "drill", event.Cause)

	// grid is up but auto reconnect is off
	time.Sleep(5 * testTimings().PollInterval)
	assert.Equal(t, domain.STATE_ISLAND_MODE, h.status(t).State)

	_, err = h.orchestrator.InitiateBlackStart(context.Background(), testSite, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	require.NoError(t, h.orchestrator.TriggerManualReconnect(context.Background(), testSite, "operator"))
	h.waitState(t, domain.STATE_STANDBY)
	assert.True(t, h.site.BreakerClosed())

	event, _ = h.recorder.Event(eventId)
	assert.True(t, event.Success)
}

func TestBlackStartRefusedBelowMinimumSoc(t *testing.T) {
	h := newHarness(t, 10)
	h.register(t, testConfig())
	h.waitState(t, domain.STATE_STANDBY)

	_, err := h.orchestrator.InitiateBlackStart(context.Background(), testSite, "")
	assert.ErrorIs(t, err, domain.ErrSocBelowMinimum)

	assert.Empty(t, h.site.Commands())
	assert.Equal(t, domain.STATE_STANDBY, h.status(t).State)
	assert.Empty(t, h.recorder.Events())
	critical := h.recorder.AlertsWith(domain.SEVERITY_CRITICAL)
	require.Len(t, critical, 1)
	assert.Equal(t, "Black start failed", critical[0].Title)
}

func TestBlackStartRefusedWhenDisabled(t *testing.T) {
	h := newHarness(t, 80)
	cfg := testConfig()
	cfg.Enabled = false
	h.register(t, cfg)

	_, err := h.orchestrator.InitiateBlackStart(context.Background(), testSite, "")
	assert.ErrorIs(t, err, domain.ErrSiteDisabled)
	assert.Empty(t, h.site.Commands())
}

func TestAutomaticBlackStartLatchesAfterRefusal(t *testing.T) {
	h := newHarness(t, 10)
	h.register(t, testConfig())
	h.waitState(t, domain.STATE_STANDBY)

	h.site.SetGridAvailable(false)
	require.Eventually(t, func() bool {
		return len(h.recorder.AlertsWith(domain.SEVERITY_CRITICAL)) > 0
	}, waitFor, tick)

	time.Sleep(10 * testTimings().PollInterval)
	assert.Len(t, h.recorder.AlertsWith(domain.SEVERITY_CRITICAL), 1)
	assert.Equal(t, domain.STATE_STANDBY, h.status(t).State)
	assert.Empty(t, h.site.Commands())
}

func TestReconnectFailureReturnsToIslandMode(t *testing.T) {
	h := newHarness(t, 80)
	cfg := testConfig()
	cfg.AutoReconnect = false
	h.register(t, cfg)
	h.waitState(t, domain.STATE_STANDBY)

	_, err := h.orchestrator.InitiateBlackStart(context.Background(), testSite, "")
	require.NoError(t, err)
	h.waitState(t, domain.STATE_ISLAND_MODE)

	h.site.FailCommand(domain.CMD_CLOSE_BREAKER, errors.New("breaker jammed"))
	require.NoError(t, h.orchestrator.TriggerManualReconnect(context.Background(), testSite, "operator"))

	require.Eventually(t, func() bool {
		for _, a := range h.recorder.AlertsWith(domain.SEVERITY_CRITICAL) {
			if a.Title == "Reconnection failed" {
				return true
			}
		}
		return false
	}, waitFor, tick)
	h.waitState(t, domain.STATE_ISLAND_MODE)
	assert.False(t, h.site.BreakerClosed())
	assert.Equal(t, domain.INVERTER_MODE_ISLAND_FORMING, h.site.InverterMode())
	for _, a := range h.recorder.AlertsWith(domain.SEVERITY_CRITICAL) {
		assert.NotEqual(t, "Island mode restore failed", a.Title)
	}
}

func TestGridLossDuringSyncAlertsWhenIslandModeCannotBeRestored(t *testing.T) {
	h := newHarness(t, 80)
	h.register(t, testConfig())
	h.waitState(t, domain.STATE_STANDBY)
	h.site.SetSyncConverges(false)

	h.site.SetGridAvailable(false)
	h.waitState(t, domain.STATE_ISLAND_MODE)
	h.site.SetGridAvailable(true)
	h.waitState(t, domain.STATE_GRID_SYNC)

	h.site.FailCommand(domain.CMD_SET_INVERTER_MODE, errors.New("inverter offline"))
	h.site.SetGridAvailable(false)

	require.Eventually(t, func() bool {
		for _, a := range h.recorder.AlertsWith(domain.SEVERITY_CRITICAL) {
			if a.Title == "Island mode restore failed" {
				return true
			}
		}
		return false
	}, waitFor, tick)
	h.waitState(t, domain.STATE_ISLAND_MODE)
	assert.False(t, h.site.BreakerClosed())
}

func TestSyncNeverConvergesStaysInGridSync(t *testing.T) {
	h := newHarness(t, 80)
	h.register(t, testConfig())
	h.waitState(t, domain.STATE_STANDBY)
	h.site.SetSyncConverges(false)

	h.site.SetGridAvailable(false)
	h.waitState(t, domain.STATE_ISLAND_MODE)
	h.site.SetGridAvailable(true)
	h.waitState(t, domain.STATE_GRID_SYNC)

	time.Sleep(10 * testTimings().PollInterval)
	assert.Equal(t, domain.STATE_GRID_SYNC, h.status(t).State)
	assert.False(t, h.site.BreakerClosed())

	assert.Equal(t, domain.INVERTER_MODE_GRID_SYNC, h.site.InverterMode())

	// grid lost again during sync
	h.site.SetGridAvailable(false)
	h.waitState(t, domain.STATE_ISLAND_MODE)
	assert.False(t, h.site.BreakerClosed())
	assert.Equal(t, domain.INVERTER_MODE_ISLAND_FORMING, h.site.InverterMode())
	assert.Empty(t, h.recorder.AlertsWith(domain.SEVERITY_CRITICAL))
}

func TestManualBlackStartWaitsForGridLossBeforeAutoSync(t *testing.T) {
	h := newHarness(t, 80)
	h.register(t, testConfig())
	h.waitState(t, domain.STATE_STANDBY)

	_, err := h.orchestrator.InitiateBlackStart(context.Background(), testSite, "drill")
	require.NoError(t, err)
	h.waitState(t, domain.STATE_ISLAND_MODE)

	// grid never went away, the drill keeps running
	time.Sleep(10 * testTimings().PollInterval)
	assert.Equal(t, domain.STATE_ISLAND_MODE, h.status(t).State)
	assert.False(t, h.site.BreakerClosed())

	h.site.SetGridAvailable(false)
	time.Sleep(5 * testTimings().PollInterval)
	assert.Equal(t, domain.STATE_ISLAND_MODE, h.status(t).State)

	h.site.SetGridAvailable(true)
	h.waitState(t, domain.STATE_STANDBY)
	assert.True(t, h.site.BreakerClosed())
}

func TestEmergencyShedInIslandMode(t *testing.T) {
	h := newHarness(t, 50)
	h.register(t, testConfig())
	h.waitState(t, domain.STATE_STANDBY)

	h.site.SetGridAvailable(false)
	h.waitState(t, domain.STATE_ISLAND_MODE)

	h.site.SetSOC(15)
	require.Eventually(t, func() bool {
		status, err := h.orchestrator.GetIslandStatus(context.Background(), testSite)
		return err == nil && len(status.ShedLoads) == 2
	}, waitFor, tick)

	status := h.status(t)
	assert.Equal(t, []string{"P3", "P2"}, status.ShedLoads)
	assert.Equal(t, []string{"P1"}, status.ActiveLoads)
	assert.False(t, h.site.ContactorClosed("P3"))
	assert.False(t, h.site.ContactorClosed("P2"))
	assert.True(t, h.site.ContactorClosed("P1"))

	warnings := h.recorder.AlertsWith(domain.SEVERITY_WARNING)
	require.NotEmpty(t, warnings)
	assert.Equal(t, "Low SOC in island mode", warnings[0].Title)

	event, ok := h.recorder.Event(status.EventId)
	require.True(t, ok)
	assert.Equal(t, []string{"P3", "P2"}, event.LoadsShed)
}

func TestIslandingFailureReturnsToStandby(t *testing.T) {
	h := newHarness(t, 80)
	h.register(t, testConfig())
	h.waitState(t, domain.STATE_STANDBY)
	h.site.FailCommand(domain.CMD_SET_INVERTER_MODE, errors.New("inverter fault"))

	eventId, err := h.orchestrator.InitiateBlackStart(context.Background(), testSite, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		event, ok := h.recorder.Event(eventId)
		return ok && event.EndTime != nil
	}, waitFor, tick)
	h.waitState(t, domain.STATE_STANDBY)

	event, _ := h.recorder.Event(eventId)
	assert.False(t, event.Success)
	require.NotEmpty(t, h.recorder.AlertsWith(domain.SEVERITY_CRITICAL))
	assert.Equal(t, []domain.CommandKind{domain.CMD_OPEN_BREAKER, domain.CMD_SET_INVERTER_MODE},
		commandKinds(h.site.Commands()))
}

func TestManualReconnectRequiresGrid(t *testing.T) {
	h := newHarness(t, 80)
	h.register(t, testConfig())
	h.waitState(t, domain.STATE_STANDBY)

	err := h.orchestrator.TriggerManualReconnect(context.Background(), testSite, "operator")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	h.site.SetGridAvailable(false)
	h.waitState(t, domain.STATE_ISLAND_MODE)

	err = h.orchestrator.TriggerManualReconnect(context.Background(), testSite, "operator")
	assert.ErrorIs(t, err, domain.ErrGridUnavailable)
}
