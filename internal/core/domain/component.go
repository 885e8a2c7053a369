package domain

type Device struct {
	Id           string
	Name         string
	Version      string
	Model        string
	Manufacturer string
	ViaDevice    string
}

type GenericSensor struct {
	Device            Device
	SiteId            string // empty for bridge sensors
	Id                string
	SensorType        string // sensor, binary_sensor
	Name              string
	UniqueId          string
	StateTopic        string
	ValueTemplate     string
	UnitOfMeasurement string
	StateClass        string // measurement, total_increasing
	DeviceClass       string // power, energy, battery, duration
	EntityCategory    string // diagnostic, config, nil
	Icon              string
}

type GenericButton struct {
	Device       Device
	SiteId       string
	Id           string
	Name         string
	UniqueId     string
	CommandTopic string
	Icon         string
}
