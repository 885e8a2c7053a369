package config

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
port: 9090
mqtt:
  enable: true
  host: broker
  base_topic: blackstart
timing:
  poll_interval_millis: 100
  load_settle_millis: 500
  command_timeout_millis: 2000
sites:
  - id: site-a
    min_soc_for_black_start: 40
    auto_reconnect: false
    battery:
      capacity_kwh: 100
      max_discharge_current_a: 125
      nominal_dc_voltage_v: 400
    modbus:
      host: 10.0.0.5
      unit_id: 3
    loads:
      - id: P1
        name: hospital wing
        power: 10
        priority: 1
        min_runtime: 60
        coil: 20
      - id: P2
        power: 5
        priority: 2
        can_shed: true
        contactor_id: K2
        coil: 21
`

func decode(t *testing.T, yaml string) Config {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yaml)))
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return cfg
}

func TestDecodeAndMap(t *testing.T) {
	cfg := decode(t, sampleYAML)
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Sites, 1)
	site := cfg.Sites[0]

	bs := site.BlackStartConfig()
	assert.Equal(t, "site-a", bs.SiteId)
	assert.True(t, bs.Enabled)
	assert.False(t, bs.AutoReconnect)
	assert.True(t, bs.LoadSheddingEnabled)
	assert.Equal(t, 40.0, bs.MinSocForBlackStart)
	assert.Equal(t, DEFAULT_GRID_LOSS_DETECTION, bs.GridLossDetectionTime)
	assert.Equal(t, DEFAULT_PHASE_WINDOW, bs.ResyncPhaseWindow)
	require.Len(t, bs.CriticalLoads, 2)
	assert.Equal(t, "K2", bs.CriticalLoads[1].ContactorId)
	assert.True(t, bs.CriticalLoads[1].CanShed)

	asset := site.SiteAsset()
	assert.InDelta(t, 50.0, asset.Battery.MaxDischargePowerKW(), 0.001)
	assert.Equal(t, DEFAULT_NOMINAL_VOLTAGE, asset.NominalACVoltageV)

	ep := site.ModbusEndpoint()
	assert.Equal(t, "tcp://10.0.0.5:502", ep.URL)
	assert.Equal(t, uint8(3), ep.UnitId)
	assert.Equal(t, map[string]uint16{"P1": 20, "K2": 21}, ep.Registers.Contactors)

	timings := cfg.Timing.Timings()
	assert.Equal(t, 100*time.Millisecond, timings.PollInterval)
	assert.Equal(t, 2*time.Second, timings.CommandTimeout)
}

func TestValidate(t *testing.T) {
	cfg := decode(t, sampleYAML)
	cfg.Sites = append(cfg.Sites, cfg.Sites[0])
	cfg.Sites[0].Loads = append(cfg.Sites[0].Loads, LoadConfig{Id: "P1", Priority: 0})
	cfg.Sites[0].Battery.CapacityKWh = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "duplicate id site-a")
	assert.ErrorContains(t, err, "duplicate id P1")
	assert.ErrorContains(t, err, "priority must be >= 1")
	assert.ErrorContains(t, err, "capacity_kwh")
}

func TestValidateSimulateSkipsModbus(t *testing.T) {
	cfg := decode(t, sampleYAML)
	cfg.Sites[0].Modbus.Host = ""
	assert.Error(t, cfg.Validate())
	cfg.Simulate = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateSiteId(t *testing.T) {
	cfg := decode(t, sampleYAML)
	cfg.Sites[0].Id = "site/a"
	assert.ErrorContains(t, cfg.Validate(), "can only contain")
}

func TestStaticAssets(t *testing.T) {
	assets := NewStaticAssets(decode(t, sampleYAML))
	asset, err := assets.Get(context.Background(), "site-a")
	require.NoError(t, err)
	assert.Equal(t, 100.0, asset.Battery.CapacityKWh)

	_, err = assets.Get(context.Background(), "nope")
	assert.Error(t, err)
}

func TestCheckMQTTTopic(t *testing.T) {
	topic, err := CheckMQTTTopic("BlackStart_1")
	require.NoError(t, err)
	assert.Equal(t, "blackstart_1", topic)

	_, err = CheckMQTTTopic("black/start")
	assert.Error(t, err)
}

func TestRedacted(t *testing.T) {
	cfg := Config{MQTT: MQTTConfig{Username: "user", Password: "secret"}}
	r := cfg.Redacted()
	assert.Equal(t, "*redacted*", r.MQTT.Password)
	assert.Equal(t, "secret", cfg.MQTT.Password)
}
