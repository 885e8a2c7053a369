package domain

import (
	"math"
	"slices"
	"time"
)

type IslandState string

const (
	STATE_STANDBY            IslandState = "STANDBY"
	STATE_GRID_LOSS_DETECTED IslandState = "GRID_LOSS_DETECTED"
	STATE_ISLANDING          IslandState = "ISLANDING"
	STATE_ISLAND_MODE        IslandState = "ISLAND_MODE"
	STATE_GRID_SYNC          IslandState = "GRID_SYNC"
	STATE_RECONNECTING       IslandState = "RECONNECTING"
	STATE_RESTORED           IslandState = "RESTORED"
)

// Islanded reports whether the site is disconnected from the utility grid in this state.
func (s IslandState) Islanded() bool {
	switch s {
	case STATE_ISLAND_MODE, STATE_GRID_SYNC, STATE_RECONNECTING:
		return true
	}
	return false
}

type GridQuality string

const (
	GRID_QUALITY_GOOD     GridQuality = "good"
	GRID_QUALITY_DEGRADED GridQuality = "degraded"
	GRID_QUALITY_POOR     GridQuality = "poor"
	GRID_QUALITY_LOST     GridQuality = "lost"
)

type TriggeredBy string

const (
	TRIGGER_AUTOMATIC TriggeredBy = "automatic"
	TRIGGER_MANUAL    TriggeredBy = "manual"
)

// RuntimeUnbounded is reported as estimated runtime while the site draws no load.
const RuntimeUnbounded = math.MaxFloat64

type CriticalLoad struct {
	Id          string  `json:"id"`
	Name        string  `json:"name"`
	Power       float64 `json:"power"`       // kW
	Priority    int     `json:"priority"`    // 1 = highest
	MinRuntime  float64 `json:"min_runtime"` // minutes
	CanShed     bool    `json:"can_shed"`
	ContactorId string  `json:"contactor_id,omitempty"`
}

type BlackStartConfig struct {
	SiteId                string
	Enabled               bool
	GridLossDetectionTime time.Duration
	TransferTime          time.Duration
	MinSocForBlackStart   float64 // %
	ResyncVoltageWindow   float64 // % tolerance
	ResyncFrequencyWindow float64 // Hz
	ResyncPhaseWindow     float64 // degrees
	CriticalLoads         []CriticalLoad
	LoadSheddingEnabled   bool
	AutoReconnect         bool
}

func (cfg BlackStartConfig) Load(id string) (CriticalLoad, bool) {
	for _, l := range cfg.CriticalLoads {
		if l.Id == id {
			return l, true
		}
	}
	return CriticalLoad{}, false
}

func (cfg BlackStartConfig) LoadIds() []string {
	ids := make([]string, 0, len(cfg.CriticalLoads))
	for _, l := range cfg.CriticalLoads {
		ids = append(ids, l.Id)
	}
	return ids
}

type GridStatus struct {
	Timestamp      time.Time   `json:"timestamp"`
	IsAvailable    bool        `json:"is_available"`
	Voltage        float64     `json:"voltage"`
	Frequency      float64     `json:"frequency"`
	Phase          float64     `json:"phase"`
	Quality        GridQuality `json:"quality"`
	OutageCount24h int         `json:"outage_count_24h"`
}

type IslandStatus struct {
	SiteId           string      `json:"site_id"`
	State            IslandState `json:"state"`
	Duration         float64     `json:"duration"` // seconds since entering island mode
	CurrentLoad      float64     `json:"current_load"`
	AvailablePower   float64     `json:"available_power"`
	RemainingEnergy  float64     `json:"remaining_energy"`
	EstimatedRuntime float64     `json:"estimated_runtime"` // minutes
	SOC              float64     `json:"soc"`
	ActiveLoads      []string    `json:"active_loads"`
	ShedLoads        []string    `json:"shed_loads"`
	GridStatus       *GridStatus `json:"grid_status,omitempty"`
	EventId          string      `json:"event_id,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func NewIslandStatus(siteId string, loadIds []string) *IslandStatus {
	return &IslandStatus{
		SiteId:           siteId,
		State:            STATE_STANDBY,
		EstimatedRuntime: RuntimeUnbounded,
		ActiveLoads:      slices.Clone(loadIds),
		ShedLoads:        []string{},
		UpdatedAt:        time.Now(),
	}
}

// Clone returns a deep copy safe to hand out to readers.
func (s *IslandStatus) Clone() *IslandStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.ActiveLoads = slices.Clone(s.ActiveLoads)
	c.ShedLoads = slices.Clone(s.ShedLoads)
	if s.GridStatus != nil {
		gs := *s.GridStatus
		c.GridStatus = &gs
	}
	return &c
}

// MoveToShed moves a load id from the active set to the shed set.
func (s *IslandStatus) MoveToShed(id string) {
	s.ActiveLoads = slices.DeleteFunc(s.ActiveLoads, func(a string) bool { return a == id })
	if !slices.Contains(s.ShedLoads, id) {
		s.ShedLoads = append(s.ShedLoads, id)
	}
}

type BlackStartEvent struct {
	Id          string      `json:"id"`
	SiteId      string      `json:"site_id"`
	StartTime   time.Time   `json:"start_time"`
	EndTime     *time.Time  `json:"end_time,omitempty"`
	State       IslandState `json:"state"`
	TriggeredBy TriggeredBy `json:"triggered_by"`
	Cause       string      `json:"cause"`
	LoadsShed   []string    `json:"loads_shed"`
	PeakPower   float64     `json:"peak_power"`
	TotalEnergy float64     `json:"total_energy"`
	Success     bool        `json:"success"`
	Notes       *string     `json:"notes,omitempty"`
}

// EventPatch holds the fields to update on a BlackStartEvent. Nil fields are left unchanged.
type EventPatch struct {
	EndTime     *time.Time
	State       *IslandState
	LoadsShed   []string
	PeakPower   *float64
	TotalEnergy *float64
	Success     *bool
	Notes       *string
}

// Apply merges the patch into the event.
func (p EventPatch) Apply(ev *BlackStartEvent) {
	if p.EndTime != nil {
		t := *p.EndTime
		ev.EndTime = &t
	}
	if p.State != nil {
		ev.State = *p.State
	}
	if p.LoadsShed != nil {
		ev.LoadsShed = slices.Clone(p.LoadsShed)
	}
	if p.PeakPower != nil {
		ev.PeakPower = *p.PeakPower
	}
	if p.TotalEnergy != nil {
		ev.TotalEnergy = *p.TotalEnergy
	}
	if p.Success != nil {
		ev.Success = *p.Success
	}
	if p.Notes != nil {
		n := *p.Notes
		ev.Notes = &n
	}
}

func Ptr[T any](v T) *T {
	return &v
}
