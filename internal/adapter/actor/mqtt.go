package actor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/berfenger/blackstartd/internal/config"
	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/events"
	"github.com/berfenger/blackstartd/internal/mqtt"
	"github.com/berfenger/blackstartd/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const commandRequestTimeout = 10 * time.Second

// Publisher is the subset of the MQTT client the actor publishes through.
type Publisher interface {
	Publish(topic string, payload any, qos byte, retain bool, continuation func(error), timeout time.Duration)
}

// MQTTActor bridges the event stream to MQTT. Alerts and status snapshots are
// published per site and button presses are routed to the parent as site
// requests.
type MQTTActor struct {
	config    *config.Config
	behavior  actor.Behavior
	stash     *actorutil.Stash
	stream    *eventstream.EventStream
	sub       *eventstream.Subscription
	topics    *mqtt.MQTTClient
	client    *mqtt.MQTTClient
	publisher Publisher
	// receives the parsed commands, defaults to the parent
	commands *actor.PID
	logger   *zap.Logger
}

type MQTTConnected struct {
}

type MQTTSubscribed struct {
}

type MQTTConnectionLost struct {
	Error error
}

type publishResult struct {
	ReplyTo *actor.PID
	Error   error
}

type ParsedCommand struct {
	Command *mqtt.ParsedMQTTCommand
}

type commandFailed struct {
	Command *mqtt.ParsedMQTTCommand
	Error   error
}

type rawMessage struct {
	topic   string
	message string
	retain  bool
}

func NewMQTTActor(config *config.Config, stream *eventstream.EventStream, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:   config,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		stream:   stream,
		topics:   mqtt.NewTopics(config.MQTT),
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

// NewOfflineMQTTActor publishes through the given publisher without a broker
// connection and sends parsed commands to commands.
func NewOfflineMQTTActor(config *config.Config, stream *eventstream.EventStream, publisher Publisher,
	commands *actor.PID, logger *zap.Logger) *MQTTActor {
	act := NewMQTTActor(config, stream, logger)
	act.publisher = publisher
	act.commands = commands
	return act
}

func (state *MQTTActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MQTTActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("mqtt@starting started")
		state.subscribeEvents(ctx)

		if state.publisher != nil {
			ctx.Send(ctx.Self(), MQTTSubscribed{})
			return
		}

		// create MQTT client
		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), func(_ pahomqtt.Client) {
		}, func(_ pahomqtt.Client, err error) {
			ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
		})
		state.publisher = state.client

		// connect to MQTT server
		state.client.Connect(func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTConnected{})
			}
		}, 10*time.Second)

	case MQTTConnected:
		state.logger.Debug("mqtt@starting connected")

		state.client.Publish(state.topics.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, 500*time.Millisecond)

		// subscribe to site command topics
		state.client.SubscribeToCommandTopic(func(c pahomqtt.Client, m pahomqtt.Message) {
			cmd, err := state.client.ParseMQTTCommand(m)
			if err == nil && cmd != nil {
				ctx.Send(ctx.Self(), ParsedCommand{Command: cmd})
			}
		}, func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTSubscribed{})
			}
		}, 1*time.Second)
	case MQTTSubscribed:
		// init completed, transition to default state
		state.logger.Debug("mqtt@starting subscribed")
		if state.commands == nil {
			state.commands = ctx.Parent()
		}
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case MQTTConnectionLost:
		// if connection lost, stop actor and let supervisor decide
		state.logger.Error("mqtt@starting connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("mqtt@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@default ActorHealthRequest")
		// respond health check request
		actorutil.ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "idle",
		})
	case ParsedCommand:
		state.logger.Debug("mqtt@default parsedCommand", zap.Any("command", msg.Command))
		state.routeCommand(ctx, msg.Command)
	case commandFailed:
		state.logger.Warn("mqtt@default command failed", zap.String("site", msg.Command.SiteId),
			zap.String("command", msg.Command.Command), zap.Error(msg.Error))
	case domain.InitiateBlackStartResponse:
		if msg.HasResponseError() {
			state.logger.Warn("mqtt@default black start refused", zap.Error(msg.ResponseError))
		} else {
			state.logger.Info("mqtt@default black start initiated", zap.String("event", msg.EventId))
		}
	case domain.ManualReconnectResponse:
		if msg.HasResponseError() {
			state.logger.Warn("mqtt@default reconnect refused", zap.Error(msg.ResponseError))
		}
	case domain.AlertRaisedEvent:
		state.publishAlert(msg.Alert)
	case domain.StatusBroadcastEvent:
		state.publishStatus(msg.Status)
	case domain.PublishMessageRequest:
		state.logger.Debug("mqtt@default PublishMessageRequest", zap.Any("message", msg))
		state.publishMessage(ctx, msg.Topic, msg.Payload, msg.Retain, actorutil.ForRequest(msg).ReplyTo(ctx))
	case domain.PublishSensorUpdateRequest:
		state.logger.Debug("mqtt@default PublishSensorUpdateRequest", zap.String("type", fmt.Sprintf("%T", msg.Event)))
		state.publishSensorValue(msg.Event, msg.Retain)
		if msg.ReplyTo() != nil {
			actorutil.ForRequest(msg).Respond(ctx, domain.PublishSensorUpdateResponse{})
		}
	case domain.PublishDiscoveryRequest:
		state.logger.Debug("mqtt@default PublishHADiscovery")
		err := state.PublishHomeAssistantDiscovery(msg.Sensors, msg.Buttons)
		if err != nil {
			state.logger.Error("mqtt@default PublishHADiscovery error", zap.Error(err))
		}
		if msg.ReplyTo() != nil {
			actorutil.ForRequest(msg).Respond(ctx, domain.PublishDiscoveryResponse{
				ActorResponseMixIn: domain.ResponseError(err),
			})
		}
	case MQTTConnectionLost:
		// if connection lost, stop actor and let supervisor decide
		state.logger.Error("mqtt@default connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	default:
		state.logger.Debug("mqtt@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// subscribeEvents forwards alerts and status broadcasts from the stream to the actor mailbox.
func (state *MQTTActor) subscribeEvents(ctx actor.Context) {
	if state.stream == nil {
		return
	}
	root := ctx.ActorSystem().Root
	self := ctx.Self()
	state.sub = state.stream.SubscribeWithPredicate(func(evt any) {
		root.Send(self, evt)
	}, func(evt any) bool {
		switch evt.(type) {
		case domain.AlertRaisedEvent, domain.StatusBroadcastEvent:
			return true
		}
		return false
	})
}

func (state *MQTTActor) routeCommand(ctx actor.Context, cmd *mqtt.ParsedMQTTCommand) {
	var req any
	switch cmd.Command {
	case mqtt.COMMAND_BLACKSTART:
		req = domain.InitiateBlackStartRequest{
			SiteRequestMixIn: domain.SiteRequestMixIn{SiteId: cmd.SiteId},
			Cause:            "mqtt command",
		}
	case mqtt.COMMAND_RECONNECT:
		req = domain.ManualReconnectRequest{
			SiteRequestMixIn: domain.SiteRequestMixIn{SiteId: cmd.SiteId},
			UserId:           "mqtt",
		}
	default:
		return
	}
	if state.commands == nil {
		state.logger.Warn("mqtt@default no command target", zap.String("command", cmd.Command))
		return
	}
	actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.commands, req, commandRequestTimeout), func(err error) any {
		return commandFailed{Command: cmd, Error: err}
	})
}

func (state *MQTTActor) event2MQTTMessage(event domain.SensorUpdateEvent) *rawMessage {
	switch msg := event.(type) {
	case domain.FloatSensorUpdateEvent:
		return &rawMessage{
			topic:   state.topics.SensorStateTopic(msg.SiteId, msg.Id),
			message: fmt.Sprintf(fmt.Sprintf("%%.%df", msg.Decimals), msg.Value),
		}
	case domain.BinarySensorUpdateEvent:
		return &rawMessage{
			topic:   state.topics.BinarySensorStateTopic(msg.SiteId, msg.Id),
			message: bool2MQTTPayload(msg.Value),
		}
	case domain.TextSensorUpdateEvent:
		return &rawMessage{
			topic:   state.topics.SensorStateTopic(msg.SiteId, msg.Id),
			message: msg.Value,
		}
	case domain.BridgeStateUpdateEvent:
		var stringMessage string
		if msg.Value {
			stringMessage = mqtt.MQTT_PAYLOAD_ONLINE
		} else {
			stringMessage = mqtt.MQTT_PAYLOAD_OFFLINE
		}
		return &rawMessage{
			topic:   state.topics.BridgeStateTopic(),
			message: stringMessage,
			retain:  true,
		}
	default:
		return nil
	}
}

func (state *MQTTActor) publishAlert(alert domain.Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		state.logger.Error("mqtt@publish alert marshal", zap.Error(err))
		return
	}
	state.publish(state.topics.AlertTopic(alert.SiteId), payload, 1, false)
}

// publishStatus publishes the retained status document and one value per sensor.
func (state *MQTTActor) publishStatus(status domain.IslandStatus) {
	payload, err := json.Marshal(status)
	if err != nil {
		state.logger.Error("mqtt@publish status marshal", zap.Error(err))
		return
	}
	state.publish(state.topics.StatusTopic(status.SiteId), payload, 1, true)
	for _, evt := range events.IslandStatusToUpdateEvents(status) {
		state.publishSensorValue(evt, false)
	}
}

func (state *MQTTActor) publishSensorValue(event domain.SensorUpdateEvent, retain bool) {
	msg := state.event2MQTTMessage(event)
	if msg != nil {
		state.logger.Sugar().Debugf("mqtt@publish: sensor publish %s => %s", msg.topic, msg.message)
		state.publish(msg.topic, msg.message, 1, msg.retain || retain)
	}
}

func (state *MQTTActor) publish(topic string, payload any, qos byte, retain bool) {
	logger := state.logger
	state.publisher.Publish(topic, payload, qos, retain, func(err error) {
		if err != nil {
			logger.Error("mqtt@publish could not publish a message", zap.String("topic", topic), zap.Error(err))
		}
	}, 5*time.Second)
}

func (state *MQTTActor) publishMessage(ctx actor.Context, topic, payload string, retain bool, replyTo *actor.PID) {
	state.logger.Sugar().Debugf("mqtt@publish: message publish %s => %s", topic, payload)
	state.publisher.Publish(topic, payload, 1, retain, func(err error) {
		ctx.Send(ctx.Self(), publishResult{ReplyTo: replyTo, Error: err})
	}, 5*time.Second)
	state.behavior.BecomeStacked(state.MessagePublishResultReceive)
}

func (state *MQTTActor) MessagePublishResultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case publishResult:
		// log error and return to default state
		if msg.Error != nil {
			state.logger.Error("mqtt@publishing could not publish a message", zap.Error(msg.Error))
		}
		if msg.ReplyTo != nil {
			ctx.Send(msg.ReplyTo, domain.PublishMessageResponse{
				ActorResponseMixIn: domain.ResponseError(msg.Error),
			})
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashOldest(ctx)
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("mqtt@publishing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) PublishHomeAssistantDiscovery(sensors []domain.GenericSensor, buttons []domain.GenericButton) error {
	for i := range sensors {
		msg := mqtt.GenericSensorToHADiscoveryMessage(state.topics, sensors[i])
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		state.publish(state.topics.HADiscoverySensorTopic(sensors[i]), payload, 0, true)
	}
	for i := range buttons {
		msg := mqtt.GenericButtonToHADiscoveryMessage(state.topics, buttons[i])
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		state.publish(state.topics.HADiscoveryButtonTopic(buttons[i]), payload, 0, true)
	}
	return nil
}

func (state *MQTTActor) stop() {
	if state.sub != nil {
		state.stream.Unsubscribe(state.sub)
		state.sub = nil
	}
	if state.client != nil {
		state.logger.Debug("mqtt: disconnect")
		state.client.Publish(state.topics.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, 500*time.Millisecond)
		state.client.Disconnect(500 * time.Millisecond)
		state.client = nil
	}
}

func bool2MQTTPayload(value bool) string {
	if value {
		return mqtt.MQTT_PAYLOAD_ON
	}
	return mqtt.MQTT_PAYLOAD_OFF
}
