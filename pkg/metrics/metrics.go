// Package metrics records per-run pipeline metrics in a private Prometheus
// registry. A batch run has no scrape endpoint, so the registry is written
// out once in text format for the node exporter's textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "topopull"

// Item outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Collector holds the run metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	registry      *prometheus.Registry
	stageItems    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	publish       *prometheus.CounterVec
	state         prometheus.Gauge
}

// New creates a Collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		stageItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "items_total",
				Help:      "Work items finished per stage, by outcome",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of each stage",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"stage"},
		),
		publish: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_total",
				Help:      "Catalog publish attempts by HTTP status (or \"error\")",
			},
			[]string{"status"},
		),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "Coordinator state (0=idle 1=fetching 2=encoding 3=publishing 4=done 5=aborted)",
		}),
	}
	c.registry.MustRegister(c.stageItems, c.stageDuration, c.publish, c.state)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ItemDone counts one finished work item.
func (c *Collector) ItemDone(stage, outcome string) {
	if c == nil {
		return
	}
	c.stageItems.WithLabelValues(stage, outcome).Inc()
}

// StageDone observes a stage's duration.
func (c *Collector) StageDone(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Published counts one publish attempt.
func (c *Collector) Published(status string) {
	if c == nil {
		return
	}
	c.publish.WithLabelValues(status).Inc()
}

// SetState records the coordinator state.
func (c *Collector) SetState(v int) {
	if c == nil {
		return
	}
	c.state.Set(float64(v))
}

// WriteTextfile writes the registry to path in Prometheus text format.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
