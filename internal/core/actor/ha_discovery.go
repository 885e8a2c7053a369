package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

type HADiscoveryOptions struct {
	BaseTopic string
	Version   string
}

const haDiscoveryRetry = 5 * time.Second

// HADiscoveryActor publishes Home Assistant discovery documents for the bridge
// and for every registered site once the MQTT actor reports healthy.
type HADiscoveryActor struct {
	opts      HADiscoveryOptions
	behavior  actor.Behavior
	stash     *actorutil.Stash
	mqttActor *actor.PID
	bridge    domain.Device

	logger *zap.Logger
}

func NewHADiscoveryActor(opts HADiscoveryOptions, mqttActor *actor.PID, logger *zap.Logger) *HADiscoveryActor {
	act := &HADiscoveryActor{
		opts:      opts,
		mqttActor: mqttActor,
		behavior:  actor.NewBehavior(),
		stash:     &actorutil.Stash{},
		bridge:    domain.BridgeDevice(opts.BaseTopic, opts.Version),
		logger:    actorutil.ActorLogger(domain.ACTOR_ID_HA_DISCOVERY, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *HADiscoveryActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *HADiscoveryActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("hadiscovery@starting started")
		state.checkMQTT(ctx)
		state.behavior.Become(state.WaitingHealthyReceive)
	case *actor.Restarting:
	default:
		state.logger.Debug("hadiscovery@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) WaitingHealthyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthResponse:
		state.logger.Debug("hadiscovery@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		if !msg.Healthy {
			// retry once the receive timeout fires
			ctx.SetReceiveTimeout(haDiscoveryRetry)
			return
		}
		ctx.Send(state.mqttActor, domain.PublishDiscoveryRequest{
			Sensors: domain.BridgeSensors(state.bridge),
		})
		state.behavior.Become(state.PublishingReceive)
		state.stash.UnstashAll(ctx)
	case *actor.ReceiveTimeout:
		ctx.CancelReceiveTimeout()
		state.checkMQTT(ctx)
	default:
		state.logger.Debug("hadiscovery@healthcheck: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HADiscoveryActor) PublishingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case siteRegistered:
		siteId := msg.Config.SiteId
		device := domain.SiteDevice(siteId, state.bridge)
		state.logger.Info("hadiscovery@publishing site discovery", zap.String("site", siteId))
		ctx.Send(state.mqttActor, domain.PublishDiscoveryRequest{
			Sensors: domain.SiteSensors(device, siteId),
			Buttons: domain.SiteButtons(device, siteId),
		})
	default:
		state.logger.Debug("hadiscovery@publishing: default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) checkMQTT(ctx actor.Context) {
	actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
		return domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: false,
		}
	})
}
