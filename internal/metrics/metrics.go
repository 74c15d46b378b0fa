// Package metrics exposes Prometheus instrumentation for hop cycles and
// module activity. The core never reads these values back.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaoslab/chaosbot/internal/logging"
)

// State gauge values.
const (
	StateIdle = iota
	StateHopping
	StateAttacking
	StateCooldown
)

// Metrics bundles every chaosbot collector.
type Metrics struct {
	registry *prometheus.Registry

	HopsTotal    *prometheus.CounterVec
	HopDuration  prometheus.Histogram
	CurrentVlan  prometheus.Gauge
	State        prometheus.Gauge
	CyclesTotal  prometheus.Counter
	TargetsTotal prometheus.Counter

	ModuleRuns     *prometheus.CounterVec
	ModuleDuration *prometheus.HistogramVec

	ScanHostsFound prometheus.Counter
	ScanPortsFound prometheus.Counter
	AuthAttempts   *prometheus.CounterVec
	DNSQueries     *prometheus.CounterVec
	HTTPProbes     *prometheus.CounterVec

	LeasesTotal  prometheus.Counter
	DuplicateIPs prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HopsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chaosbot_hops_total",
			Help: "Total VLAN hop cycles completed",
		}, []string{"vlan_id"}),
		HopDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chaosbot_hop_duration_seconds",
			Help:    "Duration of each hop cycle",
			Buckets: []float64{30, 60, 120, 300, 600, 1200},
		}),
		CurrentVlan: f.NewGauge(prometheus.GaugeOpts{
			Name: "chaosbot_current_vlan",
			Help: "Currently active VLAN ID",
		}),
		State: f.NewGauge(prometheus.GaugeOpts{
			Name: "chaosbot_state",
			Help: "Current bot state (0=idle, 1=hopping, 2=attacking, 3=cooldown)",
		}),
		CyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chaosbot_cycles_total",
			Help: "Total cycles finished, including skipped and errored",
		}),
		TargetsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chaosbot_targets_attacked_total",
			Help: "Targets handed to the module scheduler",
		}),
		ModuleRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chaosbot_module_runs_total",
			Help: "Total module executions",
		}, []string{"module", "status"}),
		ModuleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "chaosbot_module_duration_seconds",
			Help: "Module execution duration",
		}, []string{"module"}),
		ScanHostsFound: f.NewCounter(prometheus.CounterOpts{
			Name: "chaosbot_scan_hosts_found_total",
			Help: "Hosts discovered by net_scanner",
		}),
		ScanPortsFound: f.NewCounter(prometheus.CounterOpts{
			Name: "chaosbot_scan_ports_found_total",
			Help: "Open ports discovered by net_scanner",
		}),
		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chaosbot_auth_attempts_total",
			Help: "Authentication attempts made",
		}, []string{"protocol", "result"}),
		DNSQueries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chaosbot_dns_queries_total",
			Help: "DNS queries generated",
		}, []string{"query_type"}),
		HTTPProbes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chaosbot_http_probes_total",
			Help: "HTTP probe requests sent",
		}, []string{"probe_type"}),
		LeasesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "chaosbot_leases_total",
			Help: "Total DHCP leases obtained",
		}),
		DuplicateIPs: f.NewCounter(prometheus.CounterOpts{
			Name: "chaosbot_duplicate_ips_total",
			Help: "Duplicate IP assignments detected",
		}),
	}
}

// RecordHop updates hop-level collectors after a completed cycle.
func (m *Metrics) RecordHop(vlanID int, duration time.Duration, statuses map[string]string) {
	m.HopsTotal.WithLabelValues(strconv.Itoa(vlanID)).Inc()
	m.HopDuration.Observe(duration.Seconds())
	m.CurrentVlan.Set(float64(vlanID))
	m.LeasesTotal.Inc()
	for module, status := range statuses {
		m.ModuleRuns.WithLabelValues(module, status).Inc()
	}
}

// SetState publishes the current HopState as a gauge.
func (m *Metrics) SetState(s int) {
	m.State.Set(float64(s))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the exporter on addr in a background goroutine. A failed
// listen (busy port, bad bind address) is logged, not fatal.
func (m *Metrics) Serve(addr string, log *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(logging.F{Module: "metrics"}, "exporter failed on %s: %v", addr, err)
		}
	}()
	return srv
}
