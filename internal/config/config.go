package config

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/berfenger/blackstartd/internal/adapter/modbus"
	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/service"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel zapcore.Level
	Port     uint          `mapstructure:"port"`
	HttpLog  bool          `mapstructure:"http_log"`
	Simulate bool          `mapstructure:"simulate"`
	MQTT     MQTTConfig    `mapstructure:"mqtt"`
	History  HistoryConfig `mapstructure:"history"`
	Timing   TimingConfig  `mapstructure:"timing"`
	Sites    []SiteConfig  `mapstructure:"sites"`
}

type MQTTConfig struct {
	Enable            bool
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

type HistoryConfig struct {
	Path                 string
	RetentionDays        uint `mapstructure:"retention_days"`
	PruneIntervalMinutes uint `mapstructure:"prune_interval_minutes"`
}

type TimingConfig struct {
	PollIntervalMillis    uint32 `mapstructure:"poll_interval_millis"`
	LoadSettleMillis      uint32 `mapstructure:"load_settle_millis"`
	ReconnectSettleMillis uint32 `mapstructure:"reconnect_settle_millis"`
	RestoreLoadMillis     uint32 `mapstructure:"restore_load_millis"`
	RestoreSettleMillis   uint32 `mapstructure:"restore_settle_millis"`
	StatusBroadcastMillis uint32 `mapstructure:"status_broadcast_millis"`
	CommandTimeoutMillis  uint32 `mapstructure:"command_timeout_millis"`
}

type SiteConfig struct {
	Id                      string
	Enabled                 *bool
	GridLossDetectionMillis uint32  `mapstructure:"grid_loss_detection_millis"`
	TransferTimeMillis      uint32  `mapstructure:"transfer_time_millis"`
	MinSocForBlackStart     float64 `mapstructure:"min_soc_for_black_start"`
	ResyncVoltageWindow     float64 `mapstructure:"resync_voltage_window"`
	ResyncFrequencyWindow   float64 `mapstructure:"resync_frequency_window"`
	ResyncPhaseWindow       float64 `mapstructure:"resync_phase_window"`
	LoadSheddingEnabled     *bool   `mapstructure:"load_shedding_enabled"`
	AutoReconnect           *bool   `mapstructure:"auto_reconnect"`

	NominalACVoltage float64       `mapstructure:"nominal_ac_voltage"`
	NominalFrequency float64       `mapstructure:"nominal_frequency"`
	RampRate         float64       `mapstructure:"ramp_rate"`
	Battery          BatteryConfig `mapstructure:"battery"`
	Modbus           ModbusConfig  `mapstructure:"modbus"`
	Loads            []LoadConfig  `mapstructure:"loads"`
	// state of charge of the emulated battery in simulate mode
	InitialSoc float64 `mapstructure:"initial_soc"`
}

type BatteryConfig struct {
	CapacityKWh          float64 `mapstructure:"capacity_kwh"`
	MaxDischargeCurrentA float64 `mapstructure:"max_discharge_current_a"`
	NominalDCVoltageV    float64 `mapstructure:"nominal_dc_voltage_v"`
}

type ModbusConfig struct {
	Host          string
	Port          uint
	UnitId        uint8 `mapstructure:"unit_id"`
	TimeoutMillis uint32 `mapstructure:"timeout_millis"`
	Registers     *modbus.RegisterMap
}

type LoadConfig struct {
	Id          string
	Name        string
	Power       float64
	Priority    int
	MinRuntime  float64 `mapstructure:"min_runtime"`
	CanShed     bool    `mapstructure:"can_shed"`
	ContactorId string  `mapstructure:"contactor_id"`
	// coil address of the contactor on the site controller
	Coil *uint16
}

var siteIdRegexp = regexp.MustCompile("^[a-zA-Z0-9_-]+$")

// Site defaults, applied when a field is left at zero.
const (
	DEFAULT_GRID_LOSS_DETECTION = 100 * time.Millisecond
	DEFAULT_TRANSFER_TIME       = 20 * time.Millisecond
	DEFAULT_MIN_SOC             = 30.0
	DEFAULT_VOLTAGE_WINDOW      = 5.0
	DEFAULT_FREQUENCY_WINDOW    = 0.1
	DEFAULT_PHASE_WINDOW        = 10.0
	DEFAULT_NOMINAL_VOLTAGE     = 230.0
	DEFAULT_NOMINAL_FREQUENCY   = 50.0
	DEFAULT_RAMP_RATE           = 10.0
	DEFAULT_MODBUS_PORT         = 502
	DEFAULT_MODBUS_TIMEOUT      = 1 * time.Second
)

func (cfg Config) Validate() error {
	var errs []error
	if cfg.Timing.PollIntervalMillis < 10 {
		errs = append(errs, errors.New("config param timing.poll_interval_millis should be >= 10"))
	}
	if cfg.Timing.CommandTimeoutMillis == 0 {
		errs = append(errs, errors.New("config param timing.command_timeout_millis should be > 0"))
	}
	if cfg.History.Path != "" && cfg.History.RetentionDays == 0 {
		errs = append(errs, errors.New("config param history.retention_days should be > 0"))
	}
	seen := map[string]bool{}
	for i, site := range cfg.Sites {
		if site.Id == "" {
			errs = append(errs, fmt.Errorf("sites[%d]: id is required", i))
			continue
		}
		if seen[site.Id] {
			errs = append(errs, fmt.Errorf("sites[%d]: duplicate id %s", i, site.Id))
		}
		seen[site.Id] = true
		if !siteIdRegexp.MatchString(site.Id) {
			errs = append(errs, fmt.Errorf("sites[%d]: id %q can only contain letters, numbers, dashes and underscores", i, site.Id))
		}
		if err := site.Validate(cfg.Simulate); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", site.Id, err))
		}
	}
	return errors.Join(errs...)
}

func (s SiteConfig) Validate(simulate bool) error {
	var errs []error
	if s.MinSocForBlackStart < 0 || s.MinSocForBlackStart > 100 {
		errs = append(errs, errors.New("min_soc_for_black_start must be within 0-100"))
	}
	if s.Battery.CapacityKWh <= 0 {
		errs = append(errs, errors.New("battery.capacity_kwh must be > 0"))
	}
	if s.Battery.MaxDischargeCurrentA <= 0 || s.Battery.NominalDCVoltageV <= 0 {
		errs = append(errs, errors.New("battery discharge current and dc voltage must be > 0"))
	}
	if !simulate && s.Modbus.Host == "" {
		errs = append(errs, errors.New("modbus.host is required"))
	}
	ids := map[string]bool{}
	for i, l := range s.Loads {
		if l.Id == "" {
			errs = append(errs, fmt.Errorf("loads[%d]: id is required", i))
			continue
		}
		if ids[l.Id] {
			errs = append(errs, fmt.Errorf("loads[%d]: duplicate id %s", i, l.Id))
		}
		ids[l.Id] = true
		if l.Power < 0 {
			errs = append(errs, fmt.Errorf("load %s: power must be >= 0", l.Id))
		}
		if l.Priority < 1 {
			errs = append(errs, fmt.Errorf("load %s: priority must be >= 1", l.Id))
		}
	}
	return errors.Join(errs...)
}

func (t TimingConfig) Timings() service.Timings {
	millis := func(v uint32) time.Duration {
		return time.Duration(v) * time.Millisecond
	}
	return service.Timings{
		PollInterval:            millis(t.PollIntervalMillis),
		LoadSettleDelay:         millis(t.LoadSettleMillis),
		ReconnectSettleDelay:    millis(t.ReconnectSettleMillis),
		RestoreLoadDelay:        millis(t.RestoreLoadMillis),
		RestoreSettleDelay:      millis(t.RestoreSettleMillis),
		StatusBroadcastInterval: millis(t.StatusBroadcastMillis),
		CommandTimeout:          millis(t.CommandTimeoutMillis),
	}
}

// BlackStartConfig maps the site section to the domain configuration.
func (s SiteConfig) BlackStartConfig() domain.BlackStartConfig {
	cfg := domain.BlackStartConfig{
		SiteId:                s.Id,
		Enabled:               boolOr(s.Enabled, true),
		GridLossDetectionTime: durationOr(s.GridLossDetectionMillis, DEFAULT_GRID_LOSS_DETECTION),
		TransferTime:          durationOr(s.TransferTimeMillis, DEFAULT_TRANSFER_TIME),
		MinSocForBlackStart:   floatOr(s.MinSocForBlackStart, DEFAULT_MIN_SOC),
		ResyncVoltageWindow:   floatOr(s.ResyncVoltageWindow, DEFAULT_VOLTAGE_WINDOW),
		ResyncFrequencyWindow: floatOr(s.ResyncFrequencyWindow, DEFAULT_FREQUENCY_WINDOW),
		ResyncPhaseWindow:     floatOr(s.ResyncPhaseWindow, DEFAULT_PHASE_WINDOW),
		LoadSheddingEnabled:   boolOr(s.LoadSheddingEnabled, true),
		AutoReconnect:         boolOr(s.AutoReconnect, true),
		CriticalLoads:         make([]domain.CriticalLoad, 0, len(s.Loads)),
	}
	for _, l := range s.Loads {
		cfg.CriticalLoads = append(cfg.CriticalLoads, domain.CriticalLoad{
			Id:          l.Id,
			Name:        l.Name,
			Power:       l.Power,
			Priority:    l.Priority,
			MinRuntime:  l.MinRuntime,
			CanShed:     l.CanShed,
			ContactorId: l.ContactorId,
		})
	}
	return cfg
}

func (s SiteConfig) SiteAsset() domain.SiteAsset {
	return domain.SiteAsset{
		SiteId: s.Id,
		Battery: domain.BatterySpec{
			CapacityKWh:          s.Battery.CapacityKWh,
			MaxDischargeCurrentA: s.Battery.MaxDischargeCurrentA,
			NominalDCVoltageV:    s.Battery.NominalDCVoltageV,
		},
		NominalACVoltageV:        floatOr(s.NominalACVoltage, DEFAULT_NOMINAL_VOLTAGE),
		NominalFrequencyHz:       floatOr(s.NominalFrequency, DEFAULT_NOMINAL_FREQUENCY),
		RampRatePercentPerSecond: floatOr(s.RampRate, DEFAULT_RAMP_RATE),
	}
}

// ModbusEndpoint builds the field bus endpoint. Loads with a coil address
// extend the register map's contactor table.
func (s SiteConfig) ModbusEndpoint() modbus.Endpoint {
	regs := modbus.DefaultRegisterMap()
	if s.Modbus.Registers != nil {
		regs = *s.Modbus.Registers
	}
	contactors := make(map[string]uint16, len(regs.Contactors)+len(s.Loads))
	for id, addr := range regs.Contactors {
		contactors[id] = addr
	}
	for _, l := range s.Loads {
		if l.Coil == nil {
			continue
		}
		id := l.ContactorId
		if id == "" {
			id = l.Id
		}
		contactors[id] = *l.Coil
	}
	regs.Contactors = contactors

	port := s.Modbus.Port
	if port == 0 {
		port = DEFAULT_MODBUS_PORT
	}
	return modbus.Endpoint{
		SiteId:    s.Id,
		URL:       fmt.Sprintf("tcp://%s:%d", s.Modbus.Host, port),
		UnitId:    s.Modbus.UnitId,
		Timeout:   durationOr(s.Modbus.TimeoutMillis, DEFAULT_MODBUS_TIMEOUT),
		Registers: regs,
	}
}

func (cfg Config) Site(id string) (SiteConfig, bool) {
	for _, s := range cfg.Sites {
		if s.Id == id {
			return s, true
		}
	}
	return SiteConfig{}, false
}

// StaticAssets serves site assets from the configuration file.
type StaticAssets map[string]domain.SiteAsset

func NewStaticAssets(cfg Config) StaticAssets {
	assets := make(StaticAssets, len(cfg.Sites))
	for _, s := range cfg.Sites {
		assets[s.Id] = s.SiteAsset()
	}
	return assets
}

func (a StaticAssets) Get(_ context.Context, siteId string) (*domain.SiteAsset, error) {
	asset, ok := a[siteId]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", siteId, domain.ErrSiteNotFound)
	}
	return &asset, nil
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}

// Redacted returns a copy safe to log.
func (cfg Config) Redacted() Config {
	if cfg.MQTT.Username != "" {
		cfg.MQTT.Username = "*redacted*"
	}
	if cfg.MQTT.Password != "" {
		cfg.MQTT.Password = "*redacted*"
	}
	return cfg
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func durationOr(millis uint32, def time.Duration) time.Duration {
	if millis == 0 {
		return def
	}
	return time.Duration(millis) * time.Millisecond
}
