package actor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/port"
	"github.com/berfenger/blackstartd/internal/core/service"
	"github.com/berfenger/blackstartd/internal/observability"
	. "github.com/berfenger/blackstartd/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

const healthCheckTimeout = 1 * time.Second

// HardwareProvider resolves the hardware collaborators of a site.
type HardwareProvider func(siteId string) (port.SiteHardware, error)

// MQTTActorProvider builds the MQTT bridge child. It receives the event stream
// carrying alerts and status broadcasts.
type MQTTActorProvider func(*eventstream.EventStream) actor.Actor

type OrchestratorOptions struct {
	Hardware    HardwareProvider
	Timings     service.Timings
	Metrics     *observability.Metrics
	EventStream *eventstream.EventStream
	// MQTT is optional. HA discovery needs it.
	MQTT        MQTTActorProvider
	HADiscovery *HADiscoveryOptions
}

// siteRegistered notifies children about a new or replaced site.
type siteRegistered struct {
	Config domain.BlackStartConfig
}

// OrchestratorActor owns one SiteActor per registered site and routes site
// requests to it.
type OrchestratorActor struct {
	ActorWithStates
	opts   OrchestratorOptions
	stash  *Stash
	sites  map[string]*actor.PID
	logger *zap.Logger

	mqttActor        *actor.PID
	haDiscoveryActor *actor.PID

	currentHealthCheck healthCheckResult
}

type healthCheckResult struct {
	expected  int
	received  int
	unhealthy []string
	respondTo *actor.PID
}

func NewOrchestratorActor(opts OrchestratorOptions, logger *zap.Logger) *OrchestratorActor {
	if opts.EventStream == nil {
		opts.EventStream = &eventstream.EventStream{}
	}
	act := &OrchestratorActor{
		opts:   opts,
		stash:  &Stash{},
		sites:  make(map[string]*actor.PID),
		logger: ActorLogger(domain.ACTOR_ID_ORCHESTRATOR, logger),
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(orchestratorStartingState{actor: act})
	return act
}

func (a *OrchestratorActor) Receive(ctx actor.Context) {
	a.Behavior.Receive(ctx)
}

// Starting state

type orchestratorStartingState struct {
	actor *OrchestratorActor
}

func (state orchestratorStartingState) Name() string {
	return "starting"
}

func (state orchestratorStartingState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		a.logger.Debug("orchestrator@starting started")

		if a.opts.MQTT != nil {
			pid, err := a.startMQTTActor(ctx)
			if err != nil {
				panic(err)
			}
			a.mqttActor = pid

			if a.opts.HADiscovery != nil {
				pid, err := a.startHADiscoveryActor(ctx)
				if err != nil {
					panic(err)
				}
				a.haDiscoveryActor = pid
			}
		}

		a.Become(orchestratorDefaultState{actor: a})
		a.stash.UnstashAll(ctx)
	default:
		a.logger.Debug("orchestrator@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		a.stash.Stash(ctx, msg)
	}
}

// Default state

type orchestratorDefaultState struct {
	actor *OrchestratorActor
}

func (state orchestratorDefaultState) Name() string {
	return "default"
}

func (state orchestratorDefaultState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case domain.RegisterSiteRequest:
		replaced, err := a.registerSite(ctx, msg.Config)
		ForRequest(msg).Respond(ctx, domain.RegisterSiteResponse{
			ActorResponseMixIn: domain.ResponseError(err),
			Replaced:           replaced,
		})
	case domain.StopSiteRequest:
		err := a.stopSite(ctx, msg.Site())
		ForRequest(msg).Respond(ctx, domain.StopSiteResponse{
			ActorResponseMixIn: domain.ResponseError(err),
		})
	case domain.ListSitesRequest:
		ForRequest(msg).Respond(ctx, domain.ListSitesResponse{
			SiteIds: slices.Sorted(maps.Keys(a.sites)),
		})
	case domain.SiteRequest:
		pid, ok := a.sites[msg.Site()]
		if !ok {
			a.logger.Debug("orchestrator@default unknown site", zap.String("site", msg.Site()))
			ForRequest(msg).Respond(ctx, siteNotFoundResponse(msg))
			return
		}
		Forward(ctx, pid, msg)
	case domain.ActorHealthRequest:
		a.logger.Debug("orchestrator@default ActorHealthRequest")
		a.startHealthCheck(ctx, ForRequest(msg).ReplyTo(ctx))
	case *actor.Terminated:
		a.logger.Debug("orchestrator@default child terminated", zap.String("who", msg.Who.Id))
	case *actor.Stopping:
		a.logger.Info("orchestrator@default stopping", zap.Int("sites", len(a.sites)))
	default:
		a.logger.Debug("orchestrator@default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// Health check state

type orchestratorHealthCheckState struct {
	actor *OrchestratorActor
}

func (state orchestratorHealthCheckState) Name() string {
	return "healthcheck"
}

func (state orchestratorHealthCheckState) Receive(ctx actor.Context) {
	a := state.actor
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// children that did not answer are unhealthy
		a.finishHealthCheck(ctx)
	case domain.ActorHealthResponse:
		a.logger.Debug("orchestrator@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		a.currentHealthCheck.received++
		if !msg.Healthy {
			a.currentHealthCheck.unhealthy = append(a.currentHealthCheck.unhealthy, msg.Id)
		}
		if a.currentHealthCheck.allReceived() {
			a.finishHealthCheck(ctx)
		}
	default:
		a.logger.Debug("orchestrator@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		a.stash.Stash(ctx, msg)
	}
}

func (a *OrchestratorActor) startHealthCheck(ctx actor.Context, respondTo *actor.PID) {
	a.currentHealthCheck = healthCheckResult{respondTo: respondTo}
	targets := make(map[string]*actor.PID, len(a.sites)+2)
	for id, pid := range a.sites {
		targets[SiteActorId(id)] = pid
	}
	if a.mqttActor != nil {
		targets[domain.ACTOR_ID_MQTT] = a.mqttActor
	}
	a.currentHealthCheck.expected = len(targets)
	if len(targets) == 0 {
		a.currentHealthCheck.respond(ctx, 0)
		return
	}
	for id, pid := range targets {
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, healthCheckTimeout/2), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      id,
				Healthy: false,
			}
		})
	}
	ctx.SetReceiveTimeout(healthCheckTimeout)
	a.BecomeStacked(orchestratorHealthCheckState{actor: a})
}

func (a *OrchestratorActor) finishHealthCheck(ctx actor.Context) {
	ctx.CancelReceiveTimeout()
	a.currentHealthCheck.respond(ctx, len(a.sites))
	a.UnbecomeStacked()
	a.stash.UnstashAll(ctx)
}

func (r *healthCheckResult) allReceived() bool {
	return r.received >= r.expected
}

func (r *healthCheckResult) respond(ctx actor.Context, sites int) {
	healthy := r.allReceived() && len(r.unhealthy) == 0
	state := fmt.Sprintf("sites=%d", sites)
	if !healthy {
		slices.Sort(r.unhealthy)
		state = fmt.Sprintf("%s unhealthy=%v missing=%d", state, r.unhealthy, r.expected-r.received)
	}
	if r.respondTo != nil {
		ctx.Send(r.respondTo, domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_ORCHESTRATOR,
			Healthy: healthy,
			State:   state,
		})
	}
}

// registerSite spawns the site actor, replacing a running one.
func (a *OrchestratorActor) registerSite(ctx actor.Context, cfg domain.BlackStartConfig) (bool, error) {
	if cfg.SiteId == "" {
		return false, errors.New("site id is required")
	}
	hw, err := a.opts.Hardware(cfg.SiteId)
	if err != nil {
		return false, fmt.Errorf("site %s hardware: %w", cfg.SiteId, err)
	}

	replaced := false
	if pid, ok := a.sites[cfg.SiteId]; ok {
		a.logger.Info("orchestrator@default replacing site", zap.String("site", cfg.SiteId))
		if err := ctx.StopFuture(pid).Wait(); err != nil {
			a.logger.Warn("orchestrator@default site stop timed out", zap.String("site", cfg.SiteId), zap.Error(err))
		}
		delete(a.sites, cfg.SiteId)
		replaced = true
	}

	decider := func(reason interface{}) actor.Directive {
		a.logger.Error("orchestrator@default site actor failure", zap.String("site", cfg.SiteId), zap.Any("reason", reason))
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(3, 10*time.Second, decider)
	parentLogger := a.logger
	siteOpts := SiteOptions{
		Timings: a.opts.Timings,
		Metrics: a.opts.Metrics,
	}
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewSiteActor(cfg, hw, siteOpts, parentLogger)
	}, actor.WithSupervisor(supervisor))
	pid, err := ctx.SpawnNamed(props, SiteActorId(cfg.SiteId))
	if err != nil {
		return replaced, fmt.Errorf("spawn site %s: %w", cfg.SiteId, err)
	}
	a.sites[cfg.SiteId] = pid
	a.logger.Info("orchestrator@default site registered",
		zap.String("site", cfg.SiteId), zap.Bool("enabled", cfg.Enabled), zap.Int("loads", len(cfg.CriticalLoads)))

	if a.haDiscoveryActor != nil {
		ctx.Send(a.haDiscoveryActor, siteRegistered{Config: cfg})
	}
	return replaced, nil
}

func (a *OrchestratorActor) stopSite(ctx actor.Context, siteId string) error {
	pid, ok := a.sites[siteId]
	if !ok {
		return fmt.Errorf("%s: %w", siteId, domain.ErrSiteNotFound)
	}
	if err := ctx.StopFuture(pid).Wait(); err != nil {
		a.logger.Warn("orchestrator@default site stop timed out", zap.String("site", siteId), zap.Error(err))
	}
	delete(a.sites, siteId)
	a.opts.Metrics.ForgetSite(siteId)
	a.logger.Info("orchestrator@default site stopped", zap.String("site", siteId))
	return nil
}

func (a *OrchestratorActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {
	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	stream := a.opts.EventStream
	provider := a.opts.MQTT
	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return provider(stream)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
}

func (a *OrchestratorActor) startHADiscoveryActor(ctx actor.Context) (*actor.PID, error) {
	decider := func(reason interface{}) actor.Directive {
		a.logger.Error("orchestrator@starting hadiscovery failure", zap.Any("reason", reason))
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	opts := *a.opts.HADiscovery
	mqttActor := a.mqttActor
	logger := a.logger
	haDiscProps := actor.PropsFromProducer(func() actor.Actor {
		return NewHADiscoveryActor(opts, mqttActor, logger)
	}, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(haDiscProps, domain.ACTOR_ID_HA_DISCOVERY)
}

func siteNotFoundResponse(msg domain.SiteRequest) domain.ActorResponse {
	err := domain.ResponseError(fmt.Errorf("%s: %w", msg.Site(), domain.ErrSiteNotFound))
	switch msg.(type) {
	case domain.GetIslandStatusRequest:
		return domain.GetIslandStatusResponse{ActorResponseMixIn: err}
	case domain.InitiateBlackStartRequest:
		return domain.InitiateBlackStartResponse{ActorResponseMixIn: err}
	case domain.ManualReconnectRequest:
		return domain.ManualReconnectResponse{ActorResponseMixIn: err}
	default:
		return domain.StopSiteResponse{ActorResponseMixIn: err}
	}
}

// Orchestrator is the synchronous facade over the orchestrator actor used by
// the HTTP server and the command line.
type Orchestrator struct {
	root    *actor.RootContext
	pid     *actor.PID
	timeout time.Duration
}

// SpawnOrchestrator starts the orchestrator actor under the root context.
func SpawnOrchestrator(system *actor.ActorSystem, opts OrchestratorOptions, timeout time.Duration, logger *zap.Logger) (*Orchestrator, error) {
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewOrchestratorActor(opts, logger)
	})
	pid, err := system.Root.SpawnNamed(props, domain.ACTOR_ID_ORCHESTRATOR)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{root: system.Root, pid: pid, timeout: timeout}, nil
}

func (o *Orchestrator) PID() *actor.PID {
	return o.pid
}

// Initialize registers a site, replacing the running instance if any.
func (o *Orchestrator) Initialize(ctx context.Context, cfg domain.BlackStartConfig) error {
	_, err := request[domain.RegisterSiteResponse](ctx, o, domain.RegisterSiteRequest{Config: cfg})
	return err
}

func (o *Orchestrator) InitiateBlackStart(ctx context.Context, siteId, cause string) (string, error) {
	resp, err := request[domain.InitiateBlackStartResponse](ctx, o, domain.InitiateBlackStartRequest{
		SiteRequestMixIn: domain.SiteRequestMixIn{SiteId: siteId},
		Cause:            cause,
	})
	return resp.EventId, err
}

func (o *Orchestrator) TriggerManualReconnect(ctx context.Context, siteId, userId string) error {
	_, err := request[domain.ManualReconnectResponse](ctx, o, domain.ManualReconnectRequest{
		SiteRequestMixIn: domain.SiteRequestMixIn{SiteId: siteId},
		UserId:           userId,
	})
	return err
}

func (o *Orchestrator) GetIslandStatus(ctx context.Context, siteId string) (*domain.IslandStatus, error) {
	resp, err := request[domain.GetIslandStatusResponse](ctx, o, domain.GetIslandStatusRequest{
		SiteRequestMixIn: domain.SiteRequestMixIn{SiteId: siteId},
	})
	return resp.Status, err
}

func (o *Orchestrator) Stop(ctx context.Context, siteId string) error {
	_, err := request[domain.StopSiteResponse](ctx, o, domain.StopSiteRequest{
		SiteRequestMixIn: domain.SiteRequestMixIn{SiteId: siteId},
	})
	return err
}

func (o *Orchestrator) Sites(ctx context.Context) ([]string, error) {
	resp, err := request[domain.ListSitesResponse](ctx, o, domain.ListSitesRequest{})
	return resp.SiteIds, err
}

func (o *Orchestrator) Health(ctx context.Context) (domain.ActorHealthResponse, error) {
	return request[domain.ActorHealthResponse](ctx, o, domain.ActorHealthRequest{})
}

// Shutdown stops the orchestrator and every site actor.
func (o *Orchestrator) Shutdown() error {
	return o.root.StopFuture(o.pid).Wait()
}

func request[T domain.ActorResponse](ctx context.Context, o *Orchestrator, msg any) (T, error) {
	var zero T
	timeout := o.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return zero, context.DeadlineExceeded
	}
	res, err := o.root.RequestFuture(o.pid, msg, timeout).Result()
	if err != nil {
		return zero, fmt.Errorf("orchestrator %T: %w", msg, err)
	}
	resp, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("orchestrator %T: unexpected response %T", msg, res)
	}
	if resp.HasResponseError() {
		return resp, resp.GetResponseError()
	}
	return resp, nil
}
