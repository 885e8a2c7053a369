package service

import (
	"testing"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassifyGrid(t *testing.T) {
	assert.Equal(t, domain.GRID_QUALITY_GOOD, ClassifyGrid(230, 50, 231, 50.01))
	assert.Equal(t, domain.GRID_QUALITY_DEGRADED, ClassifyGrid(230, 50, 218, 50))
	assert.Equal(t, domain.GRID_QUALITY_DEGRADED, ClassifyGrid(230, 50, 230, 50.4))
	assert.Equal(t, domain.GRID_QUALITY_POOR, ClassifyGrid(230, 50, 205, 50))
	assert.Equal(t, domain.GRID_QUALITY_POOR, ClassifyGrid(230, 50, 230, 49.3))
	assert.Equal(t, domain.GRID_QUALITY_LOST, ClassifyGrid(230, 50, 179, 50))
	assert.Equal(t, domain.GRID_QUALITY_LOST, ClassifyGrid(230, 50, 230, 48.5))
	assert.Equal(t, domain.GRID_QUALITY_LOST, ClassifyGrid(230, 50, 0, 0))

	// nominal values default to 230 V / 50 Hz
	assert.Equal(t, domain.GRID_QUALITY_GOOD, ClassifyGrid(0, 0, 230, 50))
	// 120 V / 60 Hz network
	assert.Equal(t, domain.GRID_QUALITY_GOOD, ClassifyGrid(120, 60, 121, 60))
	assert.Equal(t, domain.GRID_QUALITY_LOST, ClassifyGrid(120, 60, 90, 60))
}

func TestOutageTracker(t *testing.T) {
	tracker := NewOutageTracker(time.Hour)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, tracker.Observe("a", true, t0))
	assert.Equal(t, 1, tracker.Observe("a", false, t0.Add(time.Minute)))
	// same outage
	assert.Equal(t, 1, tracker.Observe("a", false, t0.Add(2*time.Minute)))
	assert.Equal(t, 1, tracker.Observe("a", true, t0.Add(3*time.Minute)))
	assert.Equal(t, 2, tracker.Observe("a", false, t0.Add(4*time.Minute)))

	// other sites are independent
	assert.Equal(t, 1, tracker.Observe("b", false, t0))

	// the first outage leaves the window
	assert.Equal(t, 1, tracker.Observe("a", true, t0.Add(62*time.Minute)))
	assert.Equal(t, 0, tracker.Observe("a", true, t0.Add(2*time.Hour)))
}

func TestGridStatusFromSample(t *testing.T) {
	tracker := NewOutageTracker(OUTAGE_COUNTER_WINDOW)
	asset := testAsset()
	now := time.Now()

	gs := GridStatusFromSample(tracker, "site-a", &asset, now, 229, 50, 12)
	assert.True(t, gs.IsAvailable)
	assert.Equal(t, domain.GRID_QUALITY_GOOD, gs.Quality)
	assert.Equal(t, 12.0, gs.Phase)
	assert.Equal(t, 0, gs.OutageCount24h)

	gs = GridStatusFromSample(tracker, "site-a", &asset, now.Add(time.Second), 0, 0, 0)
	assert.False(t, gs.IsAvailable)
	assert.Equal(t, domain.GRID_QUALITY_LOST, gs.Quality)
	assert.Equal(t, 1, gs.OutageCount24h)

	gs = GridStatusFromSample(nil, "site-a", nil, now, 230, 50, 0)
	assert.True(t, gs.IsAvailable)
	assert.Equal(t, 0, gs.OutageCount24h)
}
