package mqtt

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/berfenger/blackstartd/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	MQTT_PAYLOAD_ONLINE  = "online"
	MQTT_PAYLOAD_OFFLINE = "offline"
	MQTT_PAYLOAD_ON      = "on"
	MQTT_PAYLOAD_OFF     = "off"
	MQTT_PAYLOAD_PRESS   = "PRESS"

	COMMAND_BLACKSTART = "blackstart"
	COMMAND_RECONNECT  = "reconnect"
)

var ErrInvalidCommand = errors.New("invalid command")

func OptsFromConfig(cfg *config.Config) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))
	opts.SetClientID(fmt.Sprintf("blackstart_%d", rand.IntN(1000)))
	if cfg.MQTT.Username != "" && cfg.MQTT.Password != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.WillEnabled = true
	opts.WillPayload = []byte(MQTT_PAYLOAD_OFFLINE)
	opts.WillRetained = true
	opts.WillTopic = bridgeStateTopic(cfg.MQTT.BaseTopic)
	opts.WillQos = 0

	return opts
}

func CreateMQTTClient(cfg *config.Config, opts *mqtt.ClientOptions, onConnectHandler func(client mqtt.Client),
	onConnectionLostHandler func(mqtt.Client, error)) *MQTTClient {
	if onConnectHandler != nil {
		opts.OnConnect = onConnectHandler
	}
	if onConnectionLostHandler != nil {
		opts.OnConnectionLost = onConnectionLostHandler
	}
	return NewTopics(cfg.MQTT).withClient(mqtt.NewClient(opts))
}

// NewTopics builds a client without a broker connection. It only resolves
// topics and parses commands.
func NewTopics(cfg config.MQTTConfig) *MQTTClient {
	return &MQTTClient{
		cfg:                  cfg,
		siteCommandRegexp:    siteCommandExtractor(cfg.BaseTopic),
		discoveryTopicPrefix: discoveryPrefix(cfg.HADiscoveryTopic),
	}
}

func (c *MQTTClient) withClient(client mqtt.Client) *MQTTClient {
	c.client = client
	return c
}

type MQTTClient struct {
	client               mqtt.Client
	cfg                  config.MQTTConfig
	siteCommandRegexp    *regexp.Regexp
	discoveryTopicPrefix string
}

type ParsedMQTTCommand struct {
	SiteId  string
	Command string
	Payload string
}

func (c *MQTTClient) baseTopic() string {
	return c.cfg.BaseTopic
}

func (c *MQTTClient) BridgeStateTopic() string {
	return bridgeStateTopic(c.baseTopic())
}

func (c *MQTTClient) siteTopic(siteId string) string {
	return fmt.Sprintf("%s/site/%s", c.baseTopic(), siteId)
}

func (c *MQTTClient) SensorStateTopic(siteId, sensorId string) string {
	return fmt.Sprintf("%s/sensor/%s/state", c.siteTopic(siteId), sensorId)
}

func (c *MQTTClient) BinarySensorStateTopic(siteId, sensorId string) string {
	return fmt.Sprintf("%s/binary_sensor/%s/state", c.siteTopic(siteId), sensorId)
}

func (c *MQTTClient) AlertTopic(siteId string) string {
	return fmt.Sprintf("%s/alert", c.siteTopic(siteId))
}

func (c *MQTTClient) StatusTopic(siteId string) string {
	return fmt.Sprintf("%s/status", c.siteTopic(siteId))
}

func (c *MQTTClient) CommandTopic(siteId, command string) string {
	return fmt.Sprintf("%s/command/%s", c.siteTopic(siteId), command)
}

func (c *MQTTClient) ParseMQTTCommand(msg mqtt.Message) (*ParsedMQTTCommand, error) {
	return c.parseSiteCommand(msg.Topic(), string(msg.Payload()))
}

func (c *MQTTClient) parseSiteCommand(topic, payload string) (*ParsedMQTTCommand, error) {
	matches := c.siteCommandRegexp.FindAllStringSubmatch(topic, 1)
	if len(matches) == 0 || len(matches[0]) != 3 {
		return nil, ErrInvalidCommand
	}
	return &ParsedMQTTCommand{
		SiteId:  matches[0][1],
		Command: matches[0][2],
		Payload: payload,
	}, nil
}

func (c *MQTTClient) Publish(topic string, payload any, qos byte, retain bool, continuation func(error), timeout time.Duration) {
	token := c.client.Publish(topic, qos, retain, payload)
	go func() {
		didTO := token.WaitTimeout(timeout)
		if !didTO {
			continuation(errors.New("MQTT publish timed out"))
		} else {
			continuation(token.Error())
		}
	}()
}

func (c *MQTTClient) Subscribe(topic string, qos byte, handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	token := c.client.Subscribe(topic, qos, handler)
	go func() {
		didTO := token.WaitTimeout(timeout)
		if !didTO {
			continuation(errors.New("MQTT subscribe timed out"))
		} else {
			continuation(token.Error())
		}
	}()
}

func (c *MQTTClient) SubscribeToCommandTopic(handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	c.Subscribe(c.commandTopic(), 1, handler, continuation, timeout)
}

func (c *MQTTClient) Connect(continuation func(error), timeout time.Duration) {
	token := c.client.Connect()
	go func() {
		didTO := token.WaitTimeout(timeout)
		if !didTO {
			continuation(errors.New("MQTT connect timed out"))
		} else {
			continuation(token.Error())
		}
	}()
}

func (c *MQTTClient) Disconnect(timeout time.Duration) {
	c.client.Disconnect(uint(timeout.Milliseconds()))
}

func (c *MQTTClient) commandTopic() string {
	return fmt.Sprintf("%s/site/+/command/+", c.baseTopic())
}

func siteCommandExtractor(baseTopic string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf("^%s/site/([a-zA-Z0-9_-]+)/command/(%s|%s)$",
		regexp.QuoteMeta(baseTopic), COMMAND_BLACKSTART, COMMAND_RECONNECT))
}

func bridgeStateTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}

func discoveryPrefix(topic string) string {
	if topic == "" {
		return "homeassistant"
	}
	return topic
}
