// Package metrics exposes the Prometheus collectors of the extension
// runtime. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "exthost"

// UnknownSymbol is the symbol label used for commands no handler answered.
const UnknownSymbol = "unknown"

// Metrics holds the collectors of one extension process.
type Metrics struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	executes        *prometheus.CounterVec
	executeDuration prometheus.Histogram
	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	lastRefresh     prometheus.Gauge
	state           *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. Registration
// fails if reg already holds collectors with the same names.
func New(reg prometheus.Registerer, extension string) (*Metrics, error) {
	constLabels := prometheus.Labels{"extension": extension}
	m := &Metrics{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "dispatch",
				Name:        "commands_total",
				Help:        "Commands received from the host, by symbol and result.",
				ConstLabels: constLabels,
			},
			[]string{"symbol", "result"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "dispatch",
				Name:        "command_duration_seconds",
				Help:        "Time spent answering a command.",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"symbol"},
		),
		executes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "host",
				Name:        "executes_total",
				Help:        "Outbound Execute round trips to the host.",
				ConstLabels: constLabels,
			},
			[]string{"success"},
		),
		executeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "host",
				Name:        "execute_duration_seconds",
				Help:        "Outbound Execute duration in seconds.",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
		),
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "refresh",
				Name:        "cycles_total",
				Help:        "Background refresh cycles, by outcome.",
				ConstLabels: constLabels,
			},
			[]string{"success"},
		),
		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "refresh",
				Name:        "cycle_duration_seconds",
				Help:        "Duration of a refresh cycle including retries.",
				Buckets:     []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
				ConstLabels: constLabels,
			},
		),
		lastRefresh: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "refresh",
				Name:        "last_success_timestamp_seconds",
				Help:        "Unix time of the last successful refresh.",
				ConstLabels: constLabels,
			},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "runtime",
				Name:        "state",
				Help:        "1 for the current lifecycle state of the runtime, 0 otherwise.",
				ConstLabels: constLabels,
			},
			[]string{"state"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.commands, m.commandDuration, m.executes, m.executeDuration,
		m.refreshes, m.refreshDuration, m.lastRefresh, m.state,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveCommand records one dispatched command.
func (m *Metrics) ObserveCommand(symbol, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(symbol, result).Inc()
	if symbol != UnknownSymbol {
		m.commandDuration.WithLabelValues(symbol).Observe(d.Seconds())
	}
}

// ObserveExecute records one outbound Execute.
func (m *Metrics) ObserveExecute(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.executes.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
	m.executeDuration.Observe(d.Seconds())
}

// ObserveRefresh records one refresh cycle.
func (m *Metrics) ObserveRefresh(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
	m.refreshDuration.Observe(d.Seconds())
	if err == nil {
		m.lastRefresh.SetToCurrentTime()
	}
}

// SetState marks state as the current lifecycle state. states lists every
// possible state so the others can be reset to 0.
func (m *Metrics) SetState(state string, states ...string) {
	if m == nil {
		return
	}
	for _, s := range states {
		m.state.WithLabelValues(s).Set(0)
	}
	m.state.WithLabelValues(state).Set(1)
}
