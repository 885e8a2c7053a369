package actor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/port"
	"github.com/berfenger/blackstartd/internal/core/service"
	"github.com/berfenger/blackstartd/internal/observability"
	. "github.com/berfenger/blackstartd/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type siteTick struct {
}

type islandingOutcome struct {
	EventId string
	Reading domain.TelemetryReading
	Result  *service.IslandingResult
	Err     error
	Elapsed time.Duration
}

type reconnectOutcome struct {
	Err     error
	Elapsed time.Duration
}

type restoreSettled struct {
}

type SiteOptions struct {
	Timings service.Timings
	Metrics *observability.Metrics
	// NewEventId defaults to random UUIDs.
	NewEventId func() string
}

// SiteActor owns the black start state machine of one site. Every state
// change happens on the actor goroutine; hardware sequences run in the
// background and report back with a message.
type SiteActor struct {
	ActorWithStates
	config     domain.BlackStartConfig
	hw         port.SiteHardware
	timings    service.Timings
	metrics    *observability.Metrics
	newEventId func() string
	logger     *zap.Logger

	sequence *service.BlackStartSequence
	monitor  service.IslandMonitor
	resync   *service.GridResynchronizer

	scheduler    *scheduler.TimerScheduler
	cancelTick   scheduler.CancelFunc
	cancelSettle scheduler.CancelFunc

	status   *domain.IslandStatus
	event    *domain.BlackStartEvent
	asset    *domain.SiteAsset
	lastGrid *domain.GridStatus
	gridRef  *domain.GridStatus

	// automatic black start stays off until the grid is seen again
	autoLatched bool
	// automatic resync stays off until the grid is lost again
	syncLatched bool
	lowSoc      bool
}

func NewSiteActor(cfg domain.BlackStartConfig, hw port.SiteHardware, opts SiteOptions, logger *zap.Logger) *SiteActor {
	if opts.NewEventId == nil {
		opts.NewEventId = uuid.NewString
	}
	siteLogger := SiteLogger(cfg.SiteId, logger)
	observer := func(siteId string, cmd domain.Command, err error) {
		opts.Metrics.Command(siteId, cmd, err)
		if err != nil {
			siteLogger.Warn("site command failed", zap.Stringer("command", cmd), zap.Error(err))
		} else {
			siteLogger.Debug("site command acknowledged", zap.Stringer("command", cmd))
		}
	}

	act := &SiteActor{
		config:     cfg,
		hw:         hw,
		timings:    opts.Timings,
		metrics:    opts.Metrics,
		newEventId: opts.NewEventId,
		logger:     siteLogger,
		sequence: &service.BlackStartSequence{
			Dispatcher: hw.Dispatcher,
			Timings:    opts.Timings,
			Observer:   observer,
			Logger:     siteLogger,
		},
		monitor: service.IslandMonitor{
			Dispatcher: hw.Dispatcher,
			Timings:    opts.Timings,
			Observer:   observer,
		},
		resync: &service.GridResynchronizer{
			Dispatcher: hw.Dispatcher,
			Timings:    opts.Timings,
			Observer:   observer,
			Logger:     siteLogger,
		},
		status: domain.NewIslandStatus(cfg.SiteId, cfg.LoadIds()),
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(siteStartingState{
		actor: act,
	})
	return act
}

func SiteActorId(siteId string) string {
	return domain.ACTOR_ID_SITE_PREFIX + siteId
}

func (a *SiteActor) Receive(ctx actor.Context) {
	if _, ok := ctx.Message().(siteTick); ok {
		start := time.Now()
		a.Behavior.Receive(ctx)
		a.metrics.Tick(a.config.SiteId, time.Since(start).Seconds())
		return
	}
	a.Behavior.Receive(ctx)
}

// Starting state

type siteStartingState struct {
	actor *SiteActor
}

func (state siteStartingState) Name() string {
	return "starting"
}

func (state siteStartingState) Receive(ctx actor.Context) {
	a := state.actor
	switch ctx.Message().(type) {
	case *actor.Started:
		a.logger.Debug("site@starting started", zap.Bool("enabled", a.config.Enabled))
		a.scheduler = scheduler.NewTimerScheduler(ctx.ActorSystem().Root)
		a.cancelTick = a.scheduler.SendRepeatedly(a.timings.PollInterval, a.timings.PollInterval, ctx.Self(), siteTick{})
		a.transition(ctx, siteStandbyState{actor: a}, domain.STATE_STANDBY)
	default:
		a.receiveCommon(ctx, state.Name())
	}
}

// Standby state

type siteStandbyState struct {
	actor *SiteActor
}

func (state siteStandbyState) Name() string {
	return "standby"
}

func (state siteStandbyState) Receive(ctx actor.Context) {
	a := state.actor
	if a.receiveCommon(ctx, state.Name()) {
		return
	}
	switch msg := ctx.Message().(type) {
	case siteTick:
		gs, ok := a.sampleGrid(ctx, state.Name())
		if !ok {
			return
		}
		if gs.IsAvailable {
			a.autoLatched = false
			return
		}
		if a.autoLatched {
			return
		}
		a.logger.Warn("site@standby grid loss detected",
			zap.String("quality", string(gs.Quality)), zap.Float64("voltage", gs.Voltage), zap.Float64("frequency", gs.Frequency))
		a.transition(ctx, siteGridLossState{actor: a}, domain.STATE_GRID_LOSS_DETECTED)
	case domain.InitiateBlackStartRequest:
		eventId, err := a.initiateManual(ctx, state.Name(), msg.Cause)
		ForRequest(msg).Respond(ctx, domain.InitiateBlackStartResponse{
			ActorResponseMixIn: domain.ResponseError(err),
			EventId:            eventId,
		})
	case domain.ManualReconnectRequest:
		a.refuseReconnect(ctx, msg, domain.ErrInvalidState)
	default:
		a.logger.Debug("site@standby recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Grid loss detected state

type siteGridLossState struct {
	actor *SiteActor
}

func (state siteGridLossState) Name() string {
	return "grid_loss_detected"
}

func (state siteGridLossState) Receive(ctx actor.Context) {
	a := state.actor
	if a.receiveCommon(ctx, state.Name()) {
		return
	}
	switch msg := ctx.Message().(type) {
	case siteTick:
		gs, ok := a.sampleGrid(ctx, state.Name())
		if !ok {
			return
		}
		if gs.IsAvailable {
			a.logger.Info("site@grid_loss_detected grid returned before confirmation")
			a.transition(ctx, siteStandbyState{actor: a}, domain.STATE_STANDBY)
			return
		}
		reading, err := a.readTelemetry(a.timings.PollInterval)
		if err != nil {
			a.logger.Debug("site@grid_loss_detected telemetry unavailable, waiting", zap.Error(err))
			return
		}
		cause := fmt.Sprintf("grid lost (%s, %.1f V, %.2f Hz)", gs.Quality, gs.Voltage, gs.Frequency)
		if _, err := a.initiate(ctx, state.Name(), cause, domain.TRIGGER_AUTOMATIC, reading); err != nil {
			a.autoLatched = true
		}
	case domain.InitiateBlackStartRequest:
		eventId, err := a.initiateManual(ctx, state.Name(), msg.Cause)
		ForRequest(msg).Respond(ctx, domain.InitiateBlackStartResponse{
			ActorResponseMixIn: domain.ResponseError(err),
			EventId:            eventId,
		})
	case domain.ManualReconnectRequest:
		a.refuseReconnect(ctx, msg, domain.ErrInvalidState)
	default:
		a.logger.Debug("site@grid_loss_detected recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Islanding state

type siteIslandingState struct {
	actor *SiteActor
}

func (state siteIslandingState) Name() string {
	return "islanding"
}

func (state siteIslandingState) Receive(ctx actor.Context) {
	a := state.actor
	if a.receiveCommon(ctx, state.Name()) {
		return
	}
	switch msg := ctx.Message().(type) {
	case siteTick:
		// busy
	case islandingOutcome:
		a.metrics.Sequence(a.config.SiteId, "islanding", msg.Elapsed.Seconds(), msg.Err)
		if msg.Err != nil {
			a.onIslandingFailed(ctx, msg)
		} else {
			a.onIslanded(ctx, msg)
		}
	case domain.InitiateBlackStartRequest:
		a.refuseBlackStart(ctx, msg, domain.ErrSiteBusy)
	case domain.ManualReconnectRequest:
		a.refuseReconnect(ctx, msg, domain.ErrSiteBusy)
	default:
		a.logger.Debug("site@islanding recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Island mode state

type siteIslandModeState struct {
	actor *SiteActor
}

func (state siteIslandModeState) Name() string {
	return "island_mode"
}

func (state siteIslandModeState) Receive(ctx actor.Context) {
	a := state.actor
	if a.receiveCommon(ctx, state.Name()) {
		return
	}
	switch msg := ctx.Message().(type) {
	case siteTick:
		gs, ok := a.sampleGrid(ctx, state.Name())
		if reading, err := a.readTelemetry(a.timings.PollInterval); err == nil {
			a.monitorTick(ctx, state.Name(), reading)
		} else {
			a.logger.Debug("site@island_mode telemetry unavailable", zap.Error(err))
		}
		if !ok {
			return
		}
		if !gs.IsAvailable {
			a.syncLatched = false
			return
		}
		if a.config.AutoReconnect && !a.syncLatched {
			_ = a.beginSync(ctx, state.Name(), *gs, "automatic")
		}
	case domain.ManualReconnectRequest:
		a.logger.Info("site@island_mode manual reconnect", zap.String("user", msg.UserId))
		var err error
		if a.lastGrid == nil || !a.lastGrid.IsAvailable {
			err = domain.ErrGridUnavailable
		} else {
			err = a.beginSync(ctx, state.Name(), *a.lastGrid, "manual:"+msg.UserId)
		}
		ForRequest(msg).Respond(ctx, domain.ManualReconnectResponse{
			ActorResponseMixIn: domain.ResponseError(err),
		})
	case domain.InitiateBlackStartRequest:
		a.refuseBlackStart(ctx, msg, domain.ErrInvalidState)
	default:
		a.logger.Debug("site@island_mode recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Grid sync state

type siteGridSyncState struct {
	actor *SiteActor
}

func (state siteGridSyncState) Name() string {
	return "grid_sync"
}

func (state siteGridSyncState) Receive(ctx actor.Context) {
	a := state.actor
	if a.receiveCommon(ctx, state.Name()) {
		return
	}
	switch msg := ctx.Message().(type) {
	case siteTick:
		gs, ok := a.sampleGrid(ctx, state.Name())
		reading, err := a.readTelemetry(a.timings.PollInterval)
		if err == nil {
			a.monitorTick(ctx, state.Name(), reading)
		}
		if !ok {
			return
		}
		if !gs.IsAvailable {
			a.logger.Warn("site@grid_sync grid lost during synchronization")
			a.resumeIsland(ctx, state.Name())
			return
		}
		ref := *gs
		a.gridRef = &ref
		if err != nil {
			return
		}
		check := service.CheckSync(a.config, ref, *reading)
		if !check.Matched() {
			a.logger.Debug("site@grid_sync waiting for synchronism",
				zap.Float64("voltage_error", check.VoltageError),
				zap.Float64("frequency_error", check.FrequencyError),
				zap.Float64("phase_error", check.PhaseError))
			return
		}
		a.logger.Info("site@grid_sync inverter synchronized with grid",
			zap.Float64("voltage_error", check.VoltageError),
			zap.Float64("frequency_error", check.FrequencyError),
			zap.Float64("phase_error", check.PhaseError))
		a.startReconnect(ctx)
	case domain.InitiateBlackStartRequest:
		a.refuseBlackStart(ctx, msg, domain.ErrSiteBusy)
	case domain.ManualReconnectRequest:
		a.refuseReconnect(ctx, msg, domain.ErrSiteBusy)
	default:
		a.logger.Debug("site@grid_sync recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Reconnecting state

type siteReconnectingState struct {
	actor *SiteActor
}

func (state siteReconnectingState) Name() string {
	return "reconnecting"
}

func (state siteReconnectingState) Receive(ctx actor.Context) {
	a := state.actor
	if a.receiveCommon(ctx, state.Name()) {
		return
	}
	switch msg := ctx.Message().(type) {
	case siteTick:
		// busy
	case reconnectOutcome:
		a.metrics.Sequence(a.config.SiteId, "reconnect", msg.Elapsed.Seconds(), msg.Err)
		if msg.Err != nil {
			a.onReconnectFailed(ctx, msg)
		} else {
			a.onReconnected(ctx)
		}
	case domain.InitiateBlackStartRequest:
		a.refuseBlackStart(ctx, msg, domain.ErrSiteBusy)
	case domain.ManualReconnectRequest:
		a.refuseReconnect(ctx, msg, domain.ErrSiteBusy)
	default:
		a.logger.Debug("site@reconnecting recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Restored state

type siteRestoredState struct {
	actor *SiteActor
}

func (state siteRestoredState) Name() string {
	return "restored"
}

func (state siteRestoredState) Receive(ctx actor.Context) {
	a := state.actor
	if a.receiveCommon(ctx, state.Name()) {
		return
	}
	switch msg := ctx.Message().(type) {
	case siteTick:
		a.sampleGrid(ctx, state.Name())
	case restoreSettled:
		a.cancelSettle = nil
		a.resetIsland()
		a.transition(ctx, siteStandbyState{actor: a}, domain.STATE_STANDBY)
	case domain.InitiateBlackStartRequest:
		a.refuseBlackStart(ctx, msg, domain.ErrSiteBusy)
	case domain.ManualReconnectRequest:
		a.refuseReconnect(ctx, msg, domain.ErrInvalidState)
	default:
		a.logger.Debug("site@restored recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// shared handlers

func (a *SiteActor) receiveCommon(ctx actor.Context, stateName string) bool {
	switch msg := ctx.Message().(type) {
	case *actor.Stopping:
		a.logger.Info(fmt.Sprintf("site@%s stopping", stateName))
		a.stopTimers()
	case *actor.Restarting:
		a.stopTimers()
	case domain.ActorHealthRequest:
		ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
			Id:      SiteActorId(a.config.SiteId),
			Healthy: true,
			State:   string(a.status.State),
		})
	case domain.GetIslandStatusRequest:
		ForRequest(msg).Respond(ctx, domain.GetIslandStatusResponse{
			Status: a.status.Clone(),
		})
	default:
		return false
	}
	return true
}

func (a *SiteActor) stopTimers() {
	if a.cancelTick != nil {
		a.cancelTick()
		a.cancelTick = nil
	}
	if a.cancelSettle != nil {
		a.cancelSettle()
		a.cancelSettle = nil
	}
}

func (a *SiteActor) transition(ctx actor.Context, next ActorState, state domain.IslandState) {
	prev := a.status.State
	a.status.State = state
	a.status.UpdatedAt = time.Now()
	a.Become(next)
	a.metrics.Transition(a.config.SiteId, state)
	a.logger.Info(fmt.Sprintf("site@%s transition", next.Name()),
		zap.String("from", string(prev)), zap.String("to", string(state)))
	a.broadcast()
}

func (a *SiteActor) refuseBlackStart(ctx actor.Context, msg domain.InitiateBlackStartRequest, err error) {
	a.logger.Info(fmt.Sprintf("site@%s black start refused", a.StateName()), zap.Error(err))
	ForRequest(msg).Respond(ctx, domain.InitiateBlackStartResponse{
		ActorResponseMixIn: domain.ResponseError(err),
	})
}

func (a *SiteActor) refuseReconnect(ctx actor.Context, msg domain.ManualReconnectRequest, err error) {
	a.logger.Info(fmt.Sprintf("site@%s reconnect refused", a.StateName()), zap.Error(err))
	ForRequest(msg).Respond(ctx, domain.ManualReconnectResponse{
		ActorResponseMixIn: domain.ResponseError(err),
	})
}

// sampleGrid measures the grid within one poll period. A failed or late
// measurement skips the tick.
func (a *SiteActor) sampleGrid(ctx actor.Context, stateName string) (*domain.GridStatus, bool) {
	var sample *domain.GridStatus
	NewBackgroundTask(ctx, func() (*domain.GridStatus, error) {
		probeCtx, cancel := context.WithTimeout(context.Background(), a.timings.PollInterval)
		defer cancel()
		gs, err := a.hw.Probe.Measure(probeCtx, a.config.SiteId)
		if err != nil {
			return nil, err
		}
		return &gs, nil
	}).WithTimeout(a.timings.PollInterval).OnError(func(err error) {
		a.logger.Debug(fmt.Sprintf("site@%s grid sample skipped", stateName), zap.Error(err))
	}).OnSuccess(func(gs domain.GridStatus) {
		sample = &gs
	}).Run()

	if sample == nil {
		return nil, false
	}
	a.lastGrid = sample
	gs := *sample
	a.status.GridStatus = &gs
	a.metrics.GridStatus(a.config.SiteId, gs)
	return sample, true
}

func (a *SiteActor) readTelemetry(timeout time.Duration) (*domain.TelemetryReading, error) {
	readCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	reading, err := a.hw.Telemetry.CurrentReading(readCtx, a.config.SiteId)
	if err != nil {
		return nil, err
	}
	if reading == nil {
		return nil, domain.ErrTelemetryUnavailable
	}
	return reading, nil
}

func (a *SiteActor) loadAsset() (*domain.SiteAsset, error) {
	if a.asset != nil {
		return a.asset, nil
	}
	assetCtx, cancel := context.WithTimeout(context.Background(), a.timings.CommandTimeout)
	defer cancel()
	asset, err := a.hw.Assets.Get(assetCtx, a.config.SiteId)
	if err != nil {
		return nil, fmt.Errorf("site asset: %w", err)
	}
	a.asset = asset
	return asset, nil
}

func (a *SiteActor) initiateManual(ctx actor.Context, stateName, cause string) (string, error) {
	a.logger.Info(fmt.Sprintf("site@%s manual black start", stateName), zap.String("cause", cause))
	if cause == "" {
		cause = "manual"
	}
	var reading *domain.TelemetryReading
	if a.config.Enabled {
		var err error
		reading, err = a.readTelemetry(a.timings.CommandTimeout)
		if err != nil {
			a.logger.Warn(fmt.Sprintf("site@%s telemetry unavailable", stateName), zap.Error(err))
		}
	}
	return a.initiate(ctx, stateName, cause, domain.TRIGGER_MANUAL, reading)
}

func (a *SiteActor) checkPreconditions(reading *domain.TelemetryReading) error {
	if !a.config.Enabled {
		return domain.ErrSiteDisabled
	}
	if reading == nil {
		return domain.ErrTelemetryUnavailable
	}
	if reading.SOC < a.config.MinSocForBlackStart {
		return fmt.Errorf("soc %.1f%% below %.1f%%: %w", reading.SOC, a.config.MinSocForBlackStart, domain.ErrSocBelowMinimum)
	}
	return nil
}

// initiate validates the preconditions and starts the islanding sequence. On
// refusal no hardware command is sent and the site returns to STANDBY.
func (a *SiteActor) initiate(ctx actor.Context, stateName, cause string, trigger domain.TriggeredBy,
	reading *domain.TelemetryReading) (string, error) {

	err := a.checkPreconditions(reading)
	var asset *domain.SiteAsset
	if err == nil {
		asset, err = a.loadAsset()
	}
	if err != nil {
		a.logger.Error(fmt.Sprintf("site@%s black start refused", stateName),
			zap.String("trigger", string(trigger)), zap.Error(err))
		a.alert(domain.SEVERITY_CRITICAL, "Black start failed",
			fmt.Sprintf("%s black start refused: %v", trigger, err))
		if a.status.State != domain.STATE_STANDBY {
			a.transition(ctx, siteStandbyState{actor: a}, domain.STATE_STANDBY)
		}
		return "", err
	}

	notes := fmt.Sprintf("grid loss detection %s, transfer time %s",
		a.config.GridLossDetectionTime, a.config.TransferTime)
	a.event = &domain.BlackStartEvent{
		Id:          a.newEventId(),
		SiteId:      a.config.SiteId,
		StartTime:   time.Now(),
		State:       domain.STATE_ISLANDING,
		TriggeredBy: trigger,
		Cause:       cause,
		LoadsShed:   []string{},
		Notes:       &notes,
	}
	a.record("CreateEvent", func(rctx context.Context) error {
		return a.hw.Recorder.CreateEvent(rctx, *a.event)
	})
	a.status.EventId = a.event.Id
	a.status.SOC = reading.SOC
	a.lowSoc = false
	a.logger.Warn(fmt.Sprintf("site@%s initiating black start", stateName),
		zap.String("event", a.event.Id), zap.String("trigger", string(trigger)), zap.Float64("soc", reading.SOC))
	a.transition(ctx, siteIslandingState{actor: a}, domain.STATE_ISLANDING)

	input := service.IslandingInput{
		Config:  a.config,
		Asset:   *asset,
		Reading: *reading,
	}
	eventId := a.event.Id
	sequence := a.sequence
	NewBackgroundTaskNoError(ctx, func() *islandingOutcome {
		start := time.Now()
		result, err := sequence.Run(context.Background(), input)
		return &islandingOutcome{
			EventId: eventId,
			Reading: input.Reading,
			Result:  result,
			Err:     err,
			Elapsed: time.Since(start),
		}
	}).PipeToAsync(ctx.Self())
	return eventId, nil
}

func (a *SiteActor) onIslandingFailed(ctx actor.Context, msg islandingOutcome) {
	a.logger.Error("site@islanding black start sequence failed", zap.String("event", msg.EventId), zap.Error(msg.Err))
	a.autoLatched = true
	a.alert(domain.SEVERITY_CRITICAL, "Black start failed", msg.Err.Error())
	note := msg.Err.Error()
	a.closeEvent(false, domain.STATE_STANDBY, &note)
	a.resetIsland()
	a.transition(ctx, siteStandbyState{actor: a}, domain.STATE_STANDBY)
}

func (a *SiteActor) onIslanded(ctx actor.Context, msg islandingOutcome) {
	res := msg.Result
	a.status.ActiveLoads = nonNil(res.Allocation.Active)
	a.status.ShedLoads = nonNil(res.Allocation.Shed)
	a.status.AvailablePower = res.AvailablePower
	a.status.RemainingEnergy = res.RemainingEnergy
	a.status.CurrentLoad = res.CurrentLoad
	a.status.SOC = msg.Reading.SOC
	a.status.Duration = 0
	a.status.EstimatedRuntime = service.EstimateRuntime(res.RemainingEnergy, res.CurrentLoad)
	// a manual start on a healthy grid waits for a grid loss before syncing automatically
	manual := a.event != nil && a.event.TriggeredBy == domain.TRIGGER_MANUAL
	a.syncLatched = manual && a.lastGrid != nil && a.lastGrid.IsAvailable

	if a.event != nil {
		a.event.State = domain.STATE_ISLAND_MODE
		a.event.LoadsShed = nonNil(res.Allocation.Shed)
		a.event.PeakPower = res.CurrentLoad
		a.patchEvent(domain.EventPatch{
			State:     domain.Ptr(domain.STATE_ISLAND_MODE),
			LoadsShed: a.event.LoadsShed,
			PeakPower: domain.Ptr(a.event.PeakPower),
		})
	}
	a.alert(domain.SEVERITY_INFO, "Black start activated",
		fmt.Sprintf("Site %s islanded: %d loads active, %d shed, %.1f kW available",
			a.config.SiteId, len(a.status.ActiveLoads), len(a.status.ShedLoads), res.AvailablePower))
	a.transition(ctx, siteIslandModeState{actor: a}, domain.STATE_ISLAND_MODE)
}

// monitorTick updates the island figures from a fresh reading and sheds one
// load when the battery is below the emergency threshold.
func (a *SiteActor) monitorTick(ctx actor.Context, stateName string, reading *domain.TelemetryReading) {
	asset, err := a.loadAsset()
	if err != nil {
		a.logger.Debug(fmt.Sprintf("site@%s asset unavailable", stateName), zap.Error(err))
		return
	}
	update := a.monitor.Evaluate(a.status, a.config, *asset, *reading, a.timings.PollInterval)
	a.status.SOC = update.SOC
	a.status.CurrentLoad = update.CurrentLoad
	a.status.RemainingEnergy = update.RemainingEnergy
	a.status.EstimatedRuntime = update.EstimatedRuntime
	a.status.Duration = update.Duration
	a.status.UpdatedAt = time.Now()
	if a.event != nil {
		a.event.TotalEnergy += update.EnergyDelta
		a.event.PeakPower = math.Max(a.event.PeakPower, update.CurrentLoad)
	}

	var shed *domain.CriticalLoad
	if update.EmergencyShed != nil {
		load := *update.EmergencyShed
		if err := a.monitor.Shed(context.Background(), a.config.SiteId, load); err != nil {
			a.logger.Error(fmt.Sprintf("site@%s emergency shed failed", stateName), zap.String("load", load.Id), zap.Error(err))
			a.alert(domain.SEVERITY_CRITICAL, "Emergency load shed failed", err.Error())
		} else {
			a.logger.Warn(fmt.Sprintf("site@%s emergency load shed", stateName),
				zap.String("load", load.Id), zap.Float64("soc", update.SOC))
			a.status.MoveToShed(load.Id)
			shed = &load
			if a.event != nil {
				a.event.LoadsShed = append(a.event.LoadsShed, load.Id)
				a.patchEvent(domain.EventPatch{LoadsShed: a.event.LoadsShed})
			}
		}
	}

	if update.LowSoc {
		if !a.lowSoc || shed != nil {
			message := fmt.Sprintf("SOC %.1f%%, estimated runtime %s", update.SOC, formatRuntime(update.EstimatedRuntime))
			if shed != nil {
				message += fmt.Sprintf(", load %s shed", shed.Id)
			}
			a.alert(domain.SEVERITY_WARNING, "Low SOC in island mode", message)
		}
		a.lowSoc = true
	} else {
		a.lowSoc = false
	}

	if update.Broadcast {
		a.broadcast()
	}
}

func (a *SiteActor) beginSync(ctx actor.Context, stateName string, gs domain.GridStatus, initiator string) error {
	asset, err := a.loadAsset()
	if err == nil {
		err = a.resync.BeginSync(context.Background(), a.config.SiteId, gs, *asset)
	}
	if err != nil {
		a.syncLatched = true
		a.logger.Error(fmt.Sprintf("site@%s grid synchronization failed", stateName), zap.Error(err))
		a.alert(domain.SEVERITY_CRITICAL, "Grid synchronization failed", err.Error())
		return err
	}
	ref := gs
	a.gridRef = &ref
	a.syncLatched = false
	a.logger.Info(fmt.Sprintf("site@%s grid available, synchronizing", stateName), zap.String("initiator", initiator))
	a.transition(ctx, siteGridSyncState{actor: a}, domain.STATE_GRID_SYNC)
	return nil
}

func (a *SiteActor) startReconnect(ctx actor.Context) {
	asset, err := a.loadAsset()
	if err != nil {
		a.logger.Error("site@grid_sync asset unavailable", zap.Error(err))
		return
	}
	input := *asset
	shed := slices.Clone(a.status.ShedLoads)
	cfg := a.config
	resync := a.resync
	a.transition(ctx, siteReconnectingState{actor: a}, domain.STATE_RECONNECTING)

	NewBackgroundTaskNoError(ctx, func() *reconnectOutcome {
		start := time.Now()
		err := resync.Reconnect(context.Background(), cfg, input, shed)
		return &reconnectOutcome{Err: err, Elapsed: time.Since(start)}
	}).PipeToAsync(ctx.Self())
}

func (a *SiteActor) onReconnectFailed(ctx actor.Context, msg reconnectOutcome) {
	a.logger.Error("site@reconnecting reconnection failed", zap.Error(msg.Err))
	a.syncLatched = true
	a.alert(domain.SEVERITY_CRITICAL, "Reconnection failed", msg.Err.Error())
	a.resumeIsland(ctx, "reconnecting")
}

// resumeIsland returns the hardware to the islanded configuration and the site
// to ISLAND_MODE. The site stays islanded even if the hardware refuses.
func (a *SiteActor) resumeIsland(ctx actor.Context, stateName string) {
	asset, err := a.loadAsset()
	if err == nil {
		err = a.resync.ResumeIsland(context.Background(), a.config, *asset, a.status.ShedLoads)
	}
	if err != nil {
		a.logger.Error(fmt.Sprintf("site@%s island configuration restore failed", stateName), zap.Error(err))
		a.alert(domain.SEVERITY_CRITICAL, "Island mode restore failed", err.Error())
	}
	a.gridRef = nil
	a.transition(ctx, siteIslandModeState{actor: a}, domain.STATE_ISLAND_MODE)
}

func (a *SiteActor) onReconnected(ctx actor.Context) {
	a.status.ActiveLoads = a.config.LoadIds()
	a.status.ShedLoads = []string{}
	a.gridRef = nil
	a.alert(domain.SEVERITY_INFO, "Grid restored",
		fmt.Sprintf("Site %s reconnected after %.0fs in island mode", a.config.SiteId, a.status.Duration))
	a.closeEvent(true, domain.STATE_RESTORED, nil)
	a.transition(ctx, siteRestoredState{actor: a}, domain.STATE_RESTORED)
	a.cancelSettle = a.scheduler.RequestOnce(a.timings.RestoreSettleDelay, ctx.Self(), restoreSettled{})
}

func (a *SiteActor) resetIsland() {
	a.status.Duration = 0
	a.status.CurrentLoad = 0
	a.status.AvailablePower = 0
	a.status.RemainingEnergy = 0
	a.status.EstimatedRuntime = domain.RuntimeUnbounded
	a.status.ActiveLoads = a.config.LoadIds()
	a.status.ShedLoads = []string{}
	a.gridRef = nil
	a.lowSoc = false
}

func (a *SiteActor) closeEvent(success bool, state domain.IslandState, note *string) {
	if a.event == nil {
		return
	}
	end := time.Now()
	patch := domain.EventPatch{
		EndTime:     &end,
		State:       &state,
		Success:     &success,
		PeakPower:   domain.Ptr(a.event.PeakPower),
		TotalEnergy: domain.Ptr(a.event.TotalEnergy),
		Notes:       note,
	}
	a.patchEvent(patch)
	a.event = nil
	a.status.EventId = ""
}

func (a *SiteActor) patchEvent(patch domain.EventPatch) {
	if a.event == nil {
		return
	}
	patch.Apply(a.event)
	id := a.event.Id
	a.record("UpdateEvent", func(rctx context.Context) error {
		return a.hw.Recorder.UpdateEvent(rctx, id, patch)
	})
}

func (a *SiteActor) alert(severity domain.Severity, title, message string) {
	a.record("AppendAlert", func(rctx context.Context) error {
		return a.hw.Recorder.AppendAlert(rctx, a.config.SiteId, severity, title, message)
	})
}

func (a *SiteActor) broadcast() {
	status := *a.status.Clone()
	a.record("BroadcastStatus", func(rctx context.Context) error {
		return a.hw.Recorder.BroadcastStatus(rctx, a.config.SiteId, status)
	})
}

// record runs a recorder call. Failures are logged and never retried.
func (a *SiteActor) record(op string, fn func(context.Context) error) {
	if a.hw.Recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.Background(), a.timings.CommandTimeout)
	defer cancel()
	if err := fn(rctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("site recorder call failed", zap.String("op", op), zap.Error(err))
	}
}

func formatRuntime(minutes float64) string {
	if minutes == domain.RuntimeUnbounded {
		return "unbounded"
	}
	return fmt.Sprintf("%.0f min", minutes)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return slices.Clone(ids)
}
