package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ft8goblin/callsign-lookup/pkg/logger"
)

type Metrics struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	registry   *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		registry:   prometheus.NewRegistry(),
	}

	m.register()

	return m
}

func (m *Metrics) register() {
	// Counters
	m.counters["lookup_hit"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callsign_lookups_total",
			Help: "Total answered callsign lookups by origin",
		},
		[]string{"origin"},
	)

	m.counters["lookup_miss"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callsign_lookup_misses_total",
			Help: "Lookups that no enabled source could answer",
		},
		[]string{},
	)

	m.counters["remote_session_established"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrz_sessions_established_total",
			Help: "Successful QRZ session logins",
		},
		[]string{},
	)

	m.counters["remote_session_failed"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrz_sessions_failed_total",
			Help: "Failed QRZ session logins",
		},
		[]string{},
	)

	m.counters["commands"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protocol_commands_total",
			Help: "Protocol commands processed by verb",
		},
		[]string{"command"},
	)

	m.counters["cache_expire_sweeps"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_expire_sweeps_total",
			Help: "Periodic cache expiry sweeps",
		},
		[]string{},
	)

	// Histograms
	m.histograms["request_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Command processing time",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"command"},
	)

	// Gauges
	m.gauges["offline"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remote_offline",
			Help: "1 while the remote source is unreachable",
		},
		[]string{},
	)

	m.gauges["cache_entries"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cache_entries",
			Help: "Current cached record count",
		},
		[]string{},
	)

	for _, counter := range m.counters {
		m.registry.MustRegister(counter)
	}
	for _, histogram := range m.histograms {
		m.registry.MustRegister(histogram)
	}
	for _, gauge := range m.gauges {
		m.registry.MustRegister(gauge)
	}
}

func (m *Metrics) IncrementCounter(name string, labels map[string]string) {
	if counter, exists := m.counters[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		counter.With(prometheus.Labels(labels)).Inc()
	}
}

func (m *Metrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if histogram, exists := m.histograms[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		histogram.With(prometheus.Labels(labels)).Observe(value)
	}
}

func (m *Metrics) SetGauge(name string, value float64, labels map[string]string) {
	if gauge, exists := m.gauges[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		gauge.With(prometheus.Labels(labels)).Set(value)
	}
}

// Serve exposes /metrics on the given port. Blocks; run it on its own
// goroutine.
func (m *Metrics) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	logger.WithField("addr", addr).Info("Metrics server started")
	return http.ListenAndServe(addr, mux)
}
