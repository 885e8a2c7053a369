package emulated

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/berfenger/blackstartd/internal/core/service"
)

// islandPhaseOffset is the angle the free running inverter drifts to while
// islanded. Synchronization brings it back to the grid phase.
const islandPhaseOffset = 30.0

type RecordedCommand struct {
	SiteId string
	Cmd    domain.Command
	At     time.Time
	Err    error
}

// Site is an in-memory battery site: grid connection, grid-tie breaker,
// inverter and load contactors.
type Site struct {
	mu sync.Mutex

	asset domain.SiteAsset
	loads map[string]float64 // contactor id -> kW

	gridAvailable bool
	gridVoltage   float64
	gridFrequency float64
	gridPhase     float64

	breakerClosed bool
	mode          domain.InverterMode
	voltageTarget float64
	freqTarget    float64
	syncConverges bool

	contactors map[string]bool

	soc            float64
	telemetryFails bool
	probeFails     bool
	failures       map[domain.CommandKind]error
	commands       []RecordedCommand
}

// NewSite builds a grid-tied site with every load energized.
func NewSite(asset domain.SiteAsset, loads []domain.CriticalLoad, soc float64) *Site {
	s := &Site{
		asset:         asset,
		loads:         make(map[string]float64),
		contactors:    make(map[string]bool),
		gridAvailable: true,
		gridVoltage:   asset.NominalACVoltageV,
		gridFrequency: asset.NominalFrequencyHz,
		breakerClosed: true,
		mode:          domain.INVERTER_MODE_GRID_TIED,
		syncConverges: true,
		soc:           soc,
		failures:      make(map[domain.CommandKind]error),
	}
	for _, l := range loads {
		cmd := domain.ContactorCommand(l, true)
		s.loads[cmd.Params.ContactorId] = l.Power
		s.contactors[cmd.Params.ContactorId] = true
	}
	return s
}

func (s *Site) SetGridAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gridAvailable = available
}

// SetGrid sets the measured grid values while the grid is available.
func (s *Site) SetGrid(voltage, frequency, phase float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gridVoltage = voltage
	s.gridFrequency = frequency
	s.gridPhase = phase
}

func (s *Site) SetSOC(soc float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soc = soc
}

func (s *Site) SOC() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.soc
}

// SetSyncConverges controls whether the inverter reaches the grid phase in sync mode.
func (s *Site) SetSyncConverges(converges bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncConverges = converges
}

func (s *Site) SetTelemetryAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetryFails = !available
}

func (s *Site) SetProbeAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeFails = !available
}

// FailCommand makes every command of the given kind fail with err. A nil err clears it.
func (s *Site) FailCommand(kind domain.CommandKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, kind)
		return
	}
	s.failures[kind] = err
}

func (s *Site) Commands() []RecordedCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

func (s *Site) BreakerClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breakerClosed
}

func (s *Site) InverterMode() domain.InverterMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Site) ContactorClosed(contactorId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contactors[contactorId]
}

func (s *Site) measure() (voltage, frequency, phase float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probeFails {
		return 0, 0, 0, fmt.Errorf("grid meter not responding")
	}
	if !s.gridAvailable {
		return 0, 0, 0, nil
	}
	return s.gridVoltage, s.gridFrequency, s.gridPhase, nil
}

func (s *Site) reading(at time.Time) (*domain.TelemetryReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.telemetryFails {
		return nil, domain.ErrTelemetryUnavailable
	}

	reading := &domain.TelemetryReading{Timestamp: at, SOC: s.soc}
	if !s.breakerClosed {
		for id, closed := range s.contactors {
			if closed {
				reading.PowerKW += s.loads[id]
			}
		}
	}

	switch s.mode {
	case domain.INVERTER_MODE_ISLAND_FORMING:
		reading.InverterVoltage = s.voltageTarget
		reading.InverterFrequency = s.freqTarget
		reading.InverterPhase = s.gridPhase + islandPhaseOffset
	case domain.INVERTER_MODE_GRID_SYNC:
		reading.InverterVoltage = s.voltageTarget
		reading.InverterFrequency = s.freqTarget
		reading.InverterPhase = s.gridPhase
		if !s.syncConverges {
			reading.InverterPhase += islandPhaseOffset
		}
	default:
		reading.InverterVoltage = s.gridVoltage
		reading.InverterFrequency = s.gridFrequency
		reading.InverterPhase = s.gridPhase
	}
	return reading, nil
}

func (s *Site) apply(siteId string, cmd domain.Command, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.failures[cmd.Kind]
	s.commands = append(s.commands, RecordedCommand{SiteId: siteId, Cmd: cmd, At: at, Err: err})
	if err != nil {
		return err
	}

	switch cmd.Kind {
	case domain.CMD_OPEN_BREAKER:
		s.breakerClosed = false
	case domain.CMD_CLOSE_BREAKER:
		s.breakerClosed = true
	case domain.CMD_SET_INVERTER_MODE:
		s.mode = cmd.Params.Mode
		s.voltageTarget = cmd.Params.VoltageTarget
		s.freqTarget = cmd.Params.FrequencyTarget
	case domain.CMD_OPEN_CONTACTOR, domain.CMD_CLOSE_CONTACTOR:
		if _, ok := s.loads[cmd.Params.ContactorId]; !ok {
			return fmt.Errorf("unknown contactor %s", cmd.Params.ContactorId)
		}
		s.contactors[cmd.Params.ContactorId] = cmd.Kind == domain.CMD_CLOSE_CONTACTOR
	default:
		return fmt.Errorf("unsupported command %s", cmd.Kind)
	}
	return nil
}

// Advance discharges the battery by the energy the islanded loads drew over elapsed.
func (s *Site) Advance(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breakerClosed || s.asset.Battery.CapacityKWh <= 0 {
		return
	}
	power := 0.0
	for id, closed := range s.contactors {
		if closed {
			power += s.loads[id]
		}
	}
	s.soc -= power * elapsed.Hours() / s.asset.Battery.CapacityKWh * 100
	if s.soc < 0 {
		s.soc = 0
	}
}

// Emulator serves the hardware ports for a set of emulated sites.
type Emulator struct {
	mu      sync.RWMutex
	sites   map[string]*Site
	outages *service.OutageTracker
}

func NewEmulator() *Emulator {
	return &Emulator{
		sites:   make(map[string]*Site),
		outages: service.NewOutageTracker(service.OUTAGE_COUNTER_WINDOW),
	}
}

func (e *Emulator) AddSite(asset domain.SiteAsset, loads []domain.CriticalLoad, soc float64) *Site {
	site := NewSite(asset, loads, soc)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sites[asset.SiteId] = site
	return site
}

func (e *Emulator) Site(siteId string) (*Site, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	site, ok := e.sites[siteId]
	if !ok {
		return nil, fmt.Errorf("emulated site %s: %w", siteId, domain.ErrSiteNotFound)
	}
	return site, nil
}

func (e *Emulator) Measure(ctx context.Context, siteId string) (domain.GridStatus, error) {
	site, err := e.Site(siteId)
	if err != nil {
		return domain.GridStatus{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.GridStatus{}, err
	}
	now := time.Now()
	v, f, phase, err := site.measure()
	if err != nil {
		return domain.GridStatus{}, err
	}
	return service.GridStatusFromSample(e.outages, siteId, &site.asset, now, v, f, phase), nil
}

func (e *Emulator) Send(ctx context.Context, siteId string, cmd domain.Command) error {
	site, err := e.Site(siteId)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return site.apply(siteId, cmd, time.Now())
}

func (e *Emulator) CurrentReading(ctx context.Context, siteId string) (*domain.TelemetryReading, error) {
	site, err := e.Site(siteId)
	if err != nil {
		return nil, err
	}
	return site.reading(time.Now())
}

func (e *Emulator) Get(ctx context.Context, siteId string) (*domain.SiteAsset, error) {
	site, err := e.Site(siteId)
	if err != nil {
		return nil, err
	}
	asset := site.asset
	return &asset, nil
}

// Run advances every site's battery until ctx is done.
func (e *Emulator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.RLock()
			for _, site := range e.sites {
				site.Advance(interval)
			}
			e.mu.RUnlock()
		}
	}
}
