// Package metrics provides Prometheus metrics collection for pkghost.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/artpar/pkghost/core/events"
)

// Load results for ModuleLoads.
const (
	ResultActivated = "activated"
	ResultAbsent    = "absent"
	ResultFailed    = "failed"
)

// Collector holds all Prometheus metrics for pkghost.
type Collector struct {
	// Module metrics
	ModuleLoads      *prometheus.CounterVec
	ModulesActive    prometheus.Gauge
	TeardownFailures *prometheus.CounterVec
	NativeRefs       prometheus.Gauge

	// Session metrics
	BringUpDuration prometheus.Histogram
	Sessions        *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a new metrics collector registered with the default registry.
func New() *Collector {
	return newCollector(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	return newCollector(promauto.With(reg))
}

func newCollector(factory promauto.Factory) *Collector {
	return &Collector{
		ModuleLoads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pkghost",
				Name:      "module_loads_total",
				Help:      "Package bring-up attempts by result",
			},
			[]string{"module", "result"},
		),
		ModulesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pkghost",
				Name:      "modules_active",
				Help:      "Number of packages currently active",
			},
		),
		TeardownFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pkghost",
				Name:      "teardown_failures_total",
				Help:      "Packages whose destroy or unload failed",
			},
			[]string{"module"},
		),
		NativeRefs: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pkghost",
				Name:      "native_refs",
				Help:      "Native module references held by the loader",
			},
		),
		BringUpDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pkghost",
				Name:      "bringup_duration_seconds",
				Help:      "Session bring-up duration in seconds",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
			},
		),
		Sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pkghost",
				Name:      "sessions_total",
				Help:      "Session lifecycle transitions",
			},
			[]string{"event"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pkghost",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pkghost",
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pkghost",
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// Subscribe records lifecycle events from bus. refs, when non-nil, is
// sampled into NativeRefs after every module event.
func (c *Collector) Subscribe(bus *events.Bus, refs func() int) {
	bus.Subscribe("module.*", func(ctx context.Context, ev events.Event) error {
		c.observeModule(ev)
		if refs != nil {
			c.NativeRefs.Set(float64(refs()))
		}
		return nil
	})
	bus.Subscribe("session.*", func(ctx context.Context, ev events.Event) error {
		c.observeSession(ev)
		return nil
	})
	bus.Subscribe(events.ConfigReloaded, func(ctx context.Context, ev events.Event) error {
		if ev.Err != nil {
			c.ConfigReloadErrors.Inc()
			return nil
		}
		c.ConfigReloads.Inc()
		c.ConfigLastReload.Set(float64(ev.Time.Unix()))
		return nil
	})
}

func (c *Collector) observeModule(ev events.Event) {
	switch ev.Name {
	case events.ModuleActivated:
		c.ModuleLoads.WithLabelValues(ev.Module, ResultActivated).Inc()
		c.ModulesActive.Inc()
	case events.ModuleAbsent:
		c.ModuleLoads.WithLabelValues(ev.Module, ResultAbsent).Inc()
	case events.ModuleFailed:
		c.ModuleLoads.WithLabelValues(ev.Module, ResultFailed).Inc()
	case events.ModuleDestroyed:
		c.ModulesActive.Dec()
		if ev.Err != nil {
			c.TeardownFailures.WithLabelValues(ev.Module).Inc()
		}
	}
}

func (c *Collector) observeSession(ev events.Event) {
	switch ev.Name {
	case events.SessionUp:
		c.BringUpDuration.Observe(ev.Duration.Seconds())
		c.Sessions.WithLabelValues("up").Inc()
	case events.SessionDown:
		if ev.Err != nil {
			c.Sessions.WithLabelValues("down_error").Inc()
			return
		}
		c.Sessions.WithLabelValues("down").Inc()
	}
}
