// Package metrics implements Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns every pktmask metric. It is registered on a caller-owned
// registry so parallel executors and tests never share global state.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	files         *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	packets       *prometheus.CounterVec
	rules         *prometheus.CounterVec
}

// NewCollector creates the collector and registers it on reg. A nil reg
// gets a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		files: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pktmask_files_total",
				Help: "Total number of capture files processed",
			},
			[]string{"result", "mode"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pktmask_fallbacks_total",
				Help: "Total number of fallback transitions",
			},
			[]string{"mode", "category"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pktmask_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 12), // 100µs to ~7min
			},
			[]string{"stage"},
		),
		packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pktmask_packets_total",
				Help: "Total number of packets handled by the rewriter",
			},
			[]string{"action"},
		),
		rules: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pktmask_rules_total",
				Help: "Total number of keep rules generated",
			},
			[]string{"policy"},
		),
	}
	reg.MustRegister(c.files, c.fallbacks, c.stageDuration, c.packets, c.rules)
	return c
}

// Registry returns the registry the collector is registered on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// FileProcessed counts one finished file.
func (c *Collector) FileProcessed(result, mode string) {
	if c == nil {
		return
	}
	c.files.WithLabelValues(result, mode).Inc()
}

// Fallback counts a transition into mode caused by category.
func (c *Collector) Fallback(mode, category string) {
	if c == nil {
		return
	}
	c.fallbacks.WithLabelValues(mode, category).Inc()
}

// ObserveStage records how long stage took.
func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AddPackets adds n packets with the given rewrite action.
func (c *Collector) AddPackets(action string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.packets.WithLabelValues(action).Add(float64(n))
}

// AddRules adds n generated rules of the given policy kind.
func (c *Collector) AddRules(policy string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.rules.WithLabelValues(policy).Add(float64(n))
}
