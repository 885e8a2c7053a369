package observability

import (
	"errors"
	"testing"

	"github.com/berfenger/blackstartd/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionCounter(t *testing.T) {
	m := NewMetrics()
	m.Transition("a", domain.STATE_ISLANDING)
	m.Transition("a", domain.STATE_ISLAND_MODE)
	m.Transition("a", domain.STATE_ISLAND_MODE)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("a", "ISLAND_MODE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.islanded.WithLabelValues("a")))

	m.Transition("a", domain.STATE_RESTORED)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.islanded.WithLabelValues("a")))
}

func TestCommandCounter(t *testing.T) {
	m := NewMetrics()
	m.Command("a", domain.OpenBreakerCommand(), nil)
	m.Command("a", domain.OpenBreakerCommand(), errors.New("nack"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("a", "open_breaker", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("a", "open_breaker", "error")))
}

func TestUnboundedRuntimeGauge(t *testing.T) {
	m := NewMetrics()
	m.IslandStatus(domain.IslandStatus{SiteId: "a", SOC: 55, EstimatedRuntime: domain.RuntimeUnbounded})
	assert.Equal(t, -1.0, testutil.ToFloat64(m.runtime.WithLabelValues("a")))
	assert.Equal(t, 55.0, testutil.ToFloat64(m.soc.WithLabelValues("a")))
}

func TestForgetSite(t *testing.T) {
	m := NewMetrics()
	m.Transition("a", domain.STATE_STANDBY)
	m.Transition("b", domain.STATE_STANDBY)
	m.ForgetSite("a")

	assert.Equal(t, 1, testutil.CollectAndCount(m.transitions))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Transition("a", domain.STATE_STANDBY)
		m.Command("a", domain.OpenBreakerCommand(), nil)
		m.IslandStatus(domain.IslandStatus{})
		m.ForgetSite("a")
	})
	assert.Nil(t, m.Registry())
}
