package domain

import "fmt"

const deviceManufacturer = "blackstartd"

func BridgeDevice(baseTopic, version string) Device {
	return Device{
		Id:           fmt.Sprintf("%s_bridge", baseTopic),
		Name:         "Black Start Bridge",
		Version:      version,
		Model:        "bridge",
		Manufacturer: deviceManufacturer,
	}
}

func BridgeSensors(bridge Device) []GenericSensor {
	return []GenericSensor{
		{
			Device:         bridge,
			Id:             SENSOR_ID_BRIDGE_STATE,
			SensorType:     SENSOR_TYPE_BINARY,
			Name:           "Connection state",
			UniqueId:       fmt.Sprintf("%s_%s", bridge.Id, SENSOR_ID_BRIDGE_STATE),
			DeviceClass:    "connectivity",
			EntityCategory: "diagnostic",
		},
	}
}

func SiteDevice(siteId string, bridge Device) Device {
	return Device{
		Id:           fmt.Sprintf("%s_site_%s", bridge.Id, siteId),
		Name:         fmt.Sprintf("Site %s", siteId),
		Version:      bridge.Version,
		Model:        "black start controller",
		Manufacturer: deviceManufacturer,
		ViaDevice:    bridge.Id,
	}
}

// SiteSensors lists the per-site entities fed by IslandStatus snapshots.
func SiteSensors(site Device, siteId string) []GenericSensor {
	sensor := func(id, name, unit, stateClass, deviceClass, icon string) GenericSensor {
		return GenericSensor{
			Device:            site,
			SiteId:            siteId,
			Id:                id,
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              name,
			UniqueId:          fmt.Sprintf("%s_%s", site.Id, id),
			UnitOfMeasurement: unit,
			StateClass:        stateClass,
			DeviceClass:       deviceClass,
			Icon:              icon,
		}
	}
	gridAvailable := sensor(SENSOR_ID_GRID_AVAILABLE, "Grid available", "", "", "power", "")
	gridAvailable.SensorType = SENSOR_TYPE_BINARY

	return []GenericSensor{
		sensor(SENSOR_ID_ISLAND_STATE, "Island state", "", "", "", "mdi:transmission-tower-off"),
		sensor(SENSOR_ID_SOC, "Battery SOC", "%", "measurement", "battery", ""),
		sensor(SENSOR_ID_CURRENT_LOAD, "Current load", "kW", "measurement", "power", ""),
		sensor(SENSOR_ID_AVAILABLE_POWER, "Available power", "kW", "measurement", "power", ""),
		sensor(SENSOR_ID_REMAINING_ENERGY, "Remaining energy", "kWh", "measurement", "energy_storage", ""),
		sensor(SENSOR_ID_ESTIMATED_RUNTIME, "Estimated runtime", "min", "measurement", "duration", ""),
		sensor(SENSOR_ID_ISLAND_DURATION, "Island duration", "s", "measurement", "duration", ""),
		sensor(SENSOR_ID_SHED_LOADS, "Shed loads", "", "", "", "mdi:power-plug-off"),
		gridAvailable,
		sensor(SENSOR_ID_GRID_QUALITY, "Grid quality", "", "", "", "mdi:sine-wave"),
		sensor(SENSOR_ID_GRID_OUTAGES_24H, "Grid outages (24h)", "", "measurement", "", "mdi:counter"),
	}
}

func SiteButtons(site Device, siteId string) []GenericButton {
	return []GenericButton{
		{
			Device:   site,
			SiteId:   siteId,
			Id:       BUTTON_ID_BLACKSTART,
			Name:     "Initiate black start",
			UniqueId: fmt.Sprintf("%s_%s", site.Id, BUTTON_ID_BLACKSTART),
			Icon:     "mdi:battery-arrow-up",
		},
		{
			Device:   site,
			SiteId:   siteId,
			Id:       BUTTON_ID_RECONNECT,
			Name:     "Reconnect to grid",
			UniqueId: fmt.Sprintf("%s_%s", site.Id, BUTTON_ID_RECONNECT),
			Icon:     "mdi:transmission-tower-import",
		},
	}
}
