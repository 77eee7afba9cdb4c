// Package metrics exposes lockbox state and run outcomes to Prometheus.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lockbox/internal/lockbox"
	"lockbox/internal/statebus"
)

var stateLabels = []string{"unlock", "sweep", "sequence", "lock"}

// Collector holds the lockbox metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	state       *prometheus.GaugeVec
	stageIndex  prometheus.Gauge
	locked      prometheus.Gauge
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	evaluations *prometheus.CounterVec
	signalMean  *prometheus.GaugeVec
	signalRMS   *prometheus.GaugeVec
	transitions prometheus.Counter
}

// New registers every lockbox metric on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lockbox_state",
			Help: "1 for the current lockbox state, 0 otherwise",
		}, []string{"state"}),
		stageIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lockbox_stage_index",
			Help: "Index of the enabled sequence stage, -1 outside the sequence",
		}),
		locked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lockbox_locked",
			Help: "Result of the most recent lock status evaluation",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lockbox_runs_total",
			Help: "Lock runs by outcome",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lockbox_run_duration_seconds",
			Help:    "Time from run start to resolution or cancellation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lockbox_evaluations_total",
			Help: "Lock status evaluations by reason",
		}, []string{"reason"}),
		signalMean: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lockbox_error_signal_mean",
			Help: "Most recent error signal mean",
		}, []string{"input"}),
		signalRMS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lockbox_error_signal_rms",
			Help: "Most recent error signal rms",
		}, []string{"input"}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockbox_state_transitions_total",
			Help: "State changes applied by the lockbox",
		}),
	}
	c.registry.MustRegister(
		c.state, c.stageIndex, c.locked, c.runs, c.runDuration,
		c.evaluations, c.signalMean, c.signalRMS, c.transitions,
		collectors.NewGoCollector(),
	)
	c.setState(lockbox.Unlocked)
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Observe records a lockbox event.
func (c *Collector) Observe(e lockbox.Event) {
	switch e.Type {
	case lockbox.EventStateChanged:
		c.transitions.Inc()
		c.setState(e.State)
	case lockbox.EventRunFinished:
		outcome := "unlocked"
		switch {
		case e.Error != "":
			outcome = "failed"
		case e.Locked:
			outcome = "locked"
		}
		c.runs.WithLabelValues(outcome).Inc()
		c.runDuration.Observe(e.Elapsed.Seconds())
	case lockbox.EventRunCancelled:
		c.runs.WithLabelValues("cancelled").Inc()
		c.runDuration.Observe(e.Elapsed.Seconds())
	}
}

// ObserveEvaluation records a lock status decision.
func (c *Collector) ObserveEvaluation(ev lockbox.Evaluation) {
	c.evaluations.WithLabelValues(string(ev.Reason)).Inc()
	if ev.Locked {
		c.locked.Set(1)
	} else {
		c.locked.Set(0)
	}
	if ev.Input != "" && (ev.Reason == lockbox.ReasonWithinInterval || ev.Reason == lockbox.ReasonOutsideInterval) {
		c.signalMean.WithLabelValues(ev.Input).Set(ev.Mean)
		c.signalRMS.WithLabelValues(ev.Input).Set(ev.RMS)
	}
}

// RegisterBus exposes state bus counters.
func (c *Collector) RegisterBus(stats func() statebus.Stats) error {
	fns := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "lockbox_statebus_published_total",
			Help: "Events published on the state bus",
		}, func() float64 { return float64(stats().Published) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "lockbox_statebus_delivered_total",
			Help: "Events delivered to state bus subscribers",
		}, func() float64 { return float64(stats().Delivered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "lockbox_statebus_dropped_total",
			Help: "Events dropped for slow state bus subscribers",
		}, func() float64 { return float64(stats().Dropped) }),
	}
	var errs []error
	for _, fn := range fns {
		if err := c.registry.Register(fn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Collector) setState(s lockbox.State) {
	current := stateLabel(s)
	for _, label := range stateLabels {
		v := 0.0
		if label == current {
			v = 1
		}
		c.state.WithLabelValues(label).Set(v)
	}
	if i, ok := s.Index(); ok {
		c.stageIndex.Set(float64(i))
	} else {
		c.stageIndex.Set(-1)
	}
}

func stateLabel(s lockbox.State) string {
	if s.IsInSequence() {
		return "sequence"
	}
	return s.String()
}
