package service

import (
	"math"
	"sync"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
)

// Limits relative to nominal values. The lost thresholds match 180 V / 49-51 Hz
// on a 230 V / 50 Hz network.
const (
	LOST_VOLTAGE_RATIO      = 180.0 / 230.0
	LOST_FREQUENCY_DEV      = 0.02
	POOR_VOLTAGE_DEV        = 0.10
	POOR_FREQUENCY_DEV      = 0.01
	DEGRADED_VOLTAGE_DEV    = 0.05
	DEGRADED_FREQUENCY_DEV  = 0.005
	OUTAGE_COUNTER_WINDOW   = 24 * time.Hour
	DEFAULT_NOMINAL_VOLTAGE = 230.0
	DEFAULT_NOMINAL_FREQ    = 50.0
)

// ClassifyGrid grades a voltage/frequency sample against the nominal values.
func ClassifyGrid(nominalVoltage, nominalFrequency, voltage, frequency float64) domain.GridQuality {
	if nominalVoltage <= 0 {
		nominalVoltage = DEFAULT_NOMINAL_VOLTAGE
	}
	if nominalFrequency <= 0 {
		nominalFrequency = DEFAULT_NOMINAL_FREQ
	}
	vDev := math.Abs(voltage-nominalVoltage) / nominalVoltage
	fDev := math.Abs(frequency-nominalFrequency) / nominalFrequency

	switch {
	case voltage < nominalVoltage*LOST_VOLTAGE_RATIO || fDev > LOST_FREQUENCY_DEV:
		return domain.GRID_QUALITY_LOST
	case vDev > POOR_VOLTAGE_DEV || fDev > POOR_FREQUENCY_DEV:
		return domain.GRID_QUALITY_POOR
	case vDev > DEGRADED_VOLTAGE_DEV || fDev > DEGRADED_FREQUENCY_DEV:
		return domain.GRID_QUALITY_DEGRADED
	default:
		return domain.GRID_QUALITY_GOOD
	}
}

// OutageTracker counts grid outages per site over a sliding window.
type OutageTracker struct {
	mu        sync.Mutex
	window    time.Duration
	outages   map[string][]time.Time
	available map[string]bool
}

func NewOutageTracker(window time.Duration) *OutageTracker {
	return &OutageTracker{
		window:    window,
		outages:   make(map[string][]time.Time),
		available: make(map[string]bool),
	}
}

// Observe records a sample and returns the number of outages started inside the window.
func (t *OutageTracker) Observe(siteId string, available bool, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.available[siteId]
	if !available && (!seen || prev) {
		t.outages[siteId] = append(t.outages[siteId], at)
	}
	t.available[siteId] = available

	cutoff := at.Add(-t.window)
	list := t.outages[siteId]
	i := 0
	for i < len(list) && list[i].Before(cutoff) {
		i++
	}
	t.outages[siteId] = list[i:]
	return len(t.outages[siteId])
}

// GridStatusFromSample builds a GridStatus from a raw measurement.
func GridStatusFromSample(tracker *OutageTracker, siteId string, asset *domain.SiteAsset, at time.Time,
	voltage, frequency, phase float64) domain.GridStatus {
	nominalV, nominalF := DEFAULT_NOMINAL_VOLTAGE, DEFAULT_NOMINAL_FREQ
	if asset != nil {
		nominalV, nominalF = asset.NominalACVoltageV, asset.NominalFrequencyHz
	}
	quality := ClassifyGrid(nominalV, nominalF, voltage, frequency)
	available := quality != domain.GRID_QUALITY_LOST
	count := 0
	if tracker != nil {
		count = tracker.Observe(siteId, available, at)
	}
	return domain.GridStatus{
		Timestamp:      at,
		IsAvailable:    available,
		Voltage:        voltage,
		Frequency:      frequency,
		Phase:          phase,
		Quality:        quality,
		OutageCount24h: count,
	}
}
