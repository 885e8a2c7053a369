package domain

import "fmt"

const (
	SENSOR_TYPE_SENSOR = "sensor"
	SENSOR_TYPE_BINARY = "binary_sensor"

	SENSOR_ID_BRIDGE_STATE      = "bridge_state"
	SENSOR_ID_ISLAND_STATE      = "island_state"
	SENSOR_ID_SOC               = "soc"
	SENSOR_ID_CURRENT_LOAD      = "current_load"
	SENSOR_ID_AVAILABLE_POWER   = "available_power"
	SENSOR_ID_REMAINING_ENERGY  = "remaining_energy"
	SENSOR_ID_ESTIMATED_RUNTIME = "estimated_runtime"
	SENSOR_ID_ISLAND_DURATION   = "island_duration"
	SENSOR_ID_SHED_LOADS        = "shed_loads"
	SENSOR_ID_GRID_AVAILABLE    = "grid_available"
	SENSOR_ID_GRID_QUALITY      = "grid_quality"
	SENSOR_ID_GRID_OUTAGES_24H  = "grid_outages_24h"

	BUTTON_ID_BLACKSTART = "blackstart"
	BUTTON_ID_RECONNECT  = "reconnect"
)

// SensorUpdateEventMixIn identifies a sensor value. SiteId is empty for
// bridge-level sensors.
type SensorUpdateEventMixIn struct {
	SiteId string
	Id     string
}

type SensorUpdateEvent interface {
	SensorUpdateEvent() string
	SensorId() string
	Site() string
}

func (e SensorUpdateEventMixIn) SensorUpdateEvent() string {
	return fmt.Sprintf("%T", e)
}

func (e SensorUpdateEventMixIn) SensorId() string {
	return e.Id
}

func (e SensorUpdateEventMixIn) Site() string {
	return e.SiteId
}

type FloatSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value    float64
	Decimals uint
}

type BinarySensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value bool
}

type TextSensorUpdateEvent struct {
	SensorUpdateEventMixIn
	Value string
}

type BridgeStateUpdateEvent struct {
	SensorUpdateEventMixIn
	Value bool
}

// AlertRaisedEvent is published on the event stream for every recorded alert.
type AlertRaisedEvent struct {
	Alert Alert
}

// StatusBroadcastEvent carries a status snapshot for external subscribers.
type StatusBroadcastEvent struct {
	Status IslandStatus
}
