package observability

import (
	"net/http"
	"time"

	"github.com/berfenger/blackstartd/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "blackstart"

// Metrics holds the service collectors on a dedicated registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	transitions     *prometheus.CounterVec
	commands        *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	recorderErrors  *prometheus.CounterVec
	soc             *prometheus.GaugeVec
	runtime         *prometheus.GaugeVec
	islandDuration  *prometheus.GaugeVec
	islanded        *prometheus.GaugeVec
	outages         *prometheus.GaugeVec
	tickDuration    *prometheus.HistogramVec
	sequenceSeconds *prometheus.HistogramVec
	hardwareCalls   *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      "transitions_total",
			Help:      "State machine transitions by target state",
		}, []string{"site_id", "state"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      "commands_total",
			Help:      "Hardware commands dispatched",
		}, []string{"site_id", "kind", "result"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      "alerts_total",
			Help:      "Alerts raised by severity",
		}, []string{"site_id", "severity"}),
		recorderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      "recorder_errors_total",
			Help:      "Failed history or broadcast writes",
		}, []string{"sink"}),
		soc: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "soc_percent",
			Help:      "Battery state of charge seen by the island monitor",
		}, []string{"site_id"}),
		runtime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "estimated_runtime_minutes",
			Help:      "Estimated island runtime, -1 when unbounded",
		}, []string{"site_id"}),
		islandDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "island_duration_seconds",
			Help:      "Time spent islanded in the current event",
		}, []string{"site_id"}),
		islanded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "islanded",
			Help:      "1 while the site is disconnected from the grid",
		}, []string{"site_id"}),
		outages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      "grid_outages_24h",
			Help:      "Grid outages started in the last 24 hours",
		}, []string{"site_id"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent handling one poll tick",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		}, []string{"site_id"}),
		sequenceSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      "sequence_duration_seconds",
			Help:      "Duration of islanding and reconnection sequences",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"site_id", "sequence", "result"}),
		hardwareCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      "hardware_call_seconds",
			Help:      "Latency of field bus calls by function",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"fn"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions, m.commands, m.alerts, m.recorderErrors,
		m.soc, m.runtime, m.islandDuration, m.islanded, m.outages,
		m.tickDuration, m.sequenceSeconds, m.hardwareCalls,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(siteId string, state domain.IslandState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(siteId, string(state)).Inc()
	islanded := 0.0
	if state.Islanded() {
		islanded = 1
	}
	m.islanded.WithLabelValues(siteId).Set(islanded)
}

func (m *Metrics) Command(siteId string, cmd domain.Command, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commands.WithLabelValues(siteId, string(cmd.Kind), result).Inc()
}

func (m *Metrics) Alert(siteId string, severity domain.Severity) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(siteId, string(severity)).Inc()
}

func (m *Metrics) RecorderError(sink string) {
	if m == nil {
		return
	}
	m.recorderErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) IslandStatus(status domain.IslandStatus) {
	if m == nil {
		return
	}
	m.soc.WithLabelValues(status.SiteId).Set(status.SOC)
	runtime := status.EstimatedRuntime
	if runtime == domain.RuntimeUnbounded {
		runtime = -1
	}
	m.runtime.WithLabelValues(status.SiteId).Set(runtime)
	m.islandDuration.WithLabelValues(status.SiteId).Set(status.Duration)
}

func (m *Metrics) GridStatus(siteId string, gs domain.GridStatus) {
	if m == nil {
		return
	}
	m.outages.WithLabelValues(siteId).Set(float64(gs.OutageCount24h))
}

func (m *Metrics) Tick(siteId string, seconds float64) {
	if m == nil {
		return
	}
	m.tickDuration.WithLabelValues(siteId).Observe(seconds)
}

func (m *Metrics) Sequence(siteId, sequence string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sequenceSeconds.WithLabelValues(siteId, sequence, result).Observe(seconds)
}

// ForgetSite drops the per-site series of a removed site.
func (m *Metrics) ForgetSite(siteId string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"site_id": siteId}
	m.transitions.DeletePartialMatch(labels)
	m.commands.DeletePartialMatch(labels)
	m.alerts.DeletePartialMatch(labels)
	m.soc.DeletePartialMatch(labels)
	m.runtime.DeletePartialMatch(labels)
	m.islandDuration.DeletePartialMatch(labels)
	m.islanded.DeletePartialMatch(labels)
	m.outages.DeletePartialMatch(labels)
	m.tickDuration.DeletePartialMatch(labels)
	m.sequenceSeconds.DeletePartialMatch(labels)
}

// HardwareCall records one field bus call.
func (m *Metrics) HardwareCall(fn string, d time.Duration) {
	if m == nil {
		return
	}
	m.hardwareCalls.WithLabelValues(fn).Observe(d.Seconds())
}
