// Package metrics keeps the engine's counters and gauges on a private
// prometheus registry. Components record under dotted names
// (orders.idempotent_hit, scheduler.overlap_skipped, reconcile.fee_mismatches)
// and Snapshot folds the registry back into the metrics event payload.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"spot-trading-engine/internal/events"
)

const namespace = "trading"

// Registry wraps a dedicated prometheus registry with lazy registration.
type Registry struct {
	reg       *prometheus.Registry
	startedAt time.Time

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	names    map[string]string // prometheus family name -> dotted name
}

// NewRegistry creates an empty registry; uptime counts from this call.
func NewRegistry() *Registry {
	return &Registry{
		reg:       prometheus.NewRegistry(),
		startedAt: time.Now(),
		counters:  make(map[string]prometheus.Counter),
		gauges:    make(map[string]prometheus.Gauge),
		names:     make(map[string]string),
	}
}

// Counter returns the counter registered under name, creating it on first use.
func (r *Registry) Counter(name string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      sanitize(name),
		Help:      name,
	})
	r.reg.MustRegister(c)
	r.counters[name] = c
	r.names[namespace+"_"+sanitize(name)] = name
	return c
}

// Gauge returns the gauge registered under name, creating it on first use.
func (r *Registry) Gauge(name string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      sanitize(name),
		Help:      name,
	})
	r.reg.MustRegister(g)
	r.gauges[name] = g
	r.names[namespace+"_"+sanitize(name)] = name
	return g
}

// Inc bumps a counter by one.
func (r *Registry) Inc(name string) { r.Counter(name).Inc() }

// Add bumps a counter by v.
func (r *Registry) Add(name string, v float64) { r.Counter(name).Add(v) }

// Set sets a gauge.
func (r *Registry) Set(name string, v float64) { r.Gauge(name).Set(v) }

// Snapshot gathers the registry into the metrics channel payload. Metric
// names come back in their dotted form.
func (r *Registry) Snapshot() events.MetricsPayload {
	snap := events.MetricsPayload{
		Counters:  make(map[string]float64),
		Gauges:    make(map[string]float64),
		UptimeSec: time.Since(r.startedAt).Seconds(),
	}

	fams, err := r.reg.Gather()
	if err != nil {
		return snap
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, fam := range fams {
		name, ok := r.names[fam.GetName()]
		if !ok {
			name = fam.GetName()
		}
		for _, m := range fam.GetMetric() {
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				snap.Counters[name] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				snap.Gauges[name] = m.GetGauge().GetValue()
			}
		}
	}
	return snap
}

// sanitize makes a dotted name legal for prometheus.
func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
