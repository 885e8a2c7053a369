package events

import (
	"github.com/berfenger/blackstartd/internal/core/domain"
)

// IslandStatusToUpdateEvents flattens a status snapshot into per-sensor updates.
func IslandStatusToUpdateEvents(status domain.IslandStatus) []domain.SensorUpdateEvent {
	site := status.SiteId
	mixin := func(id string) domain.SensorUpdateEventMixIn {
		return domain.SensorUpdateEventMixIn{SiteId: site, Id: id}
	}

	events := []domain.SensorUpdateEvent{
		domain.TextSensorUpdateEvent{
			SensorUpdateEventMixIn: mixin(domain.SENSOR_ID_ISLAND_STATE),
			Value:                  string(status.State),
		},
		domain.FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: mixin(domain.SENSOR_ID_SOC),
			Value:                  status.SOC,
			Decimals:               1,
		},
		domain.FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: mixin(domain.SENSOR_ID_CURRENT_LOAD),
			Value:                  status.CurrentLoad,
			Decimals:               2,
		},
		domain.FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: mixin(domain.SENSOR_ID_AVAILABLE_POWER),
			Value:                  status.AvailablePower,
			Decimals:               2,
		},
		domain.FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: mixin(domain.SENSOR_ID_REMAINING_ENERGY),
			Value:                  status.RemainingEnergy,
			Decimals:               2,
		},
		domain.FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: mixin(domain.SENSOR_ID_ISLAND_DURATION),
			Value:                  status.Duration,
			Decimals:               0,
		},
		domain.FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: mixin(domain.SENSOR_ID_SHED_LOADS),
			Value:                  float64(len(status.ShedLoads)),
			Decimals:               0,
		},
	}

	// unbounded runtime is left unpublished
	if status.EstimatedRuntime != domain.RuntimeUnbounded {
		events = append(events, domain.FloatSensorUpdateEvent{
			SensorUpdateEventMixIn: mixin(domain.SENSOR_ID_ESTIMATED_RUNTIME),
			Value:                  status.EstimatedRuntime,
			Decimals:               0,
		})
	}

	if gs := status.GridStatus; gs != nil {
		events = append(events,
			domain.BinarySensorUpdateEvent{
				SensorUpdateEventMixIn: mixin(domain.SENSOR_ID_GRID_AVAILABLE),
				Value:                  gs.IsAvailable,
			},
			domain.TextSensorUpdateEvent{
				SensorUpdateEventMixIn: mixin(domain.SENSOR_ID_GRID_QUALITY),
				Value:                  string(gs.Quality),
			},
			domain.FloatSensorUpdateEvent{
				SensorUpdateEventMixIn: mixin(domain.SENSOR_ID_GRID_OUTAGES_24H),
				Value:                  float64(gs.OutageCount24h),
				Decimals:               0,
			},
		)
	}
	return events
}
