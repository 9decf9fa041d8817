// Package metrics exposes the engine's Prometheus instruments. Every method
// is safe to call on a nil *Metrics so components can run unobserved.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spotbot"

// Metrics holds the registered collectors.
type Metrics struct {
	reg *prometheus.Registry

	monitorTicks    prometheus.Counter
	monitorDuration prometheus.Histogram
	exits           *prometheus.CounterVec
	gateRejections  *prometheus.CounterVec
	entries         *prometheus.CounterVec
	orders          *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	openPositions   prometheus.Gauge
	pendingOrders   prometheus.Gauge
	haltedSymbols   prometheus.Gauge
	lastPrice       *prometheus.GaugeVec
}

// New creates a registry with Go and process collectors plus the engine's
// own instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		monitorTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_total",
			Help:      "Position monitor ticks run.",
		}),
		monitorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_tick_seconds",
			Help:      "Wall time of one monitor tick.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Executed exits by reason.",
		}, []string{"symbol", "reason"}),
		gateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejections_total",
			Help:      "Entry candidates rejected by a safety gate.",
		}, []string{"symbol", "gate"}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_total",
			Help:      "Positions opened.",
		}, []string{"symbol", "strategy"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Orders by side and outcome (filled, rejected, ambiguous, error, duplicate).",
		}, []string{"side", "outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Operator alerts raised.",
		}, []string{"severity"}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Non-closed positions in the book.",
		}),
		pendingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_orders",
			Help:      "Positions awaiting order reconciliation.",
		}),
		haltedSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "halted_symbols",
			Help:      "Symbols halted for manual attention.",
		}),
		lastPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_price",
			Help:      "Last price seen by the monitor.",
		}, []string{"symbol"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.monitorTicks, m.monitorDuration, m.exits, m.gateRejections, m.entries,
		m.orders, m.alerts, m.openPositions, m.pendingOrders, m.haltedSymbols, m.lastPrice,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) MonitorTick(seconds float64) {
	if m == nil {
		return
	}
	m.monitorTicks.Inc()
	m.monitorDuration.Observe(seconds)
}

func (m *Metrics) Exit(symbol, reason string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(symbol, reason).Inc()
}

func (m *Metrics) GateRejection(symbol, gate string) {
	if m == nil {
		return
	}
	m.gateRejections.WithLabelValues(symbol, gate).Inc()
}

func (m *Metrics) Entry(symbol, strategy string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(symbol, strategy).Inc()
}

func (m *Metrics) Order(side, outcome string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(side, outcome).Inc()
}

func (m *Metrics) Alert(severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(severity).Inc()
}

// BookGauges sets the position gauges in one call.
func (m *Metrics) BookGauges(open, pending, halted int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(open))
	m.pendingOrders.Set(float64(pending))
	m.haltedSymbols.Set(float64(halted))
}

func (m *Metrics) Price(symbol string, price float64) {
	if m == nil {
		return
	}
	m.lastPrice.WithLabelValues(symbol).Set(price)
}
