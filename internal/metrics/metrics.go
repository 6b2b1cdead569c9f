// Package metrics exposes bridge activity as Prometheus collectors. It is fed
// from the event bus so the engine never touches a collector directly.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postbridge/internal/eventbus"
)

var engineStates = []string{
	"uninitialized", "initializing", "startup_suppression", "polling", "draining", "stopped",
}

type Metrics struct {
	reg *prometheus.Registry

	Ticks          *prometheus.CounterVec
	TickDuration   prometheus.Histogram
	Deliveries     *prometheus.CounterVec
	LedgerErrors   prometheus.Counter
	LedgerSize     prometheus.Gauge
	QuotaRemaining prometheus.Gauge
	EngineState    *prometheus.GaugeVec
	BusDropped     prometheus.GaugeFunc
}

// New registers all collectors on a private registry. bus may be nil.
func New(bus eventbus.Bus) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postbridge_ticks_total",
			Help: "Polling ticks by result",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postbridge_tick_duration_seconds",
			Help:    "Time spent in one polling tick, deliveries included",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postbridge_deliveries_total",
			Help: "Delivery attempts by outcome",
		}, []string{"outcome"}),
		LedgerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postbridge_ledger_errors_total",
			Help: "Ledger writes that failed to persist",
		}),
		LedgerSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postbridge_ledger_items",
			Help: "Item ids recorded as delivered",
		}),
		QuotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postbridge_source_quota_remaining",
			Help: "Requests left in the current source rate window (-1 when unknown)",
		}),
		EngineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postbridge_engine_state",
			Help: "1 for the current engine state",
		}, []string{"state"}),
	}
	m.QuotaRemaining.Set(-1)

	reg.MustRegister(
		m.Ticks, m.TickDuration, m.Deliveries, m.LedgerErrors,
		m.LedgerSize, m.QuotaRemaining, m.EngineState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if bus != nil {
		m.BusDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "postbridge_events_dropped",
			Help: "Events lost to slow bus subscribers",
		}, func() float64 { return float64(bus.Dropped()) })
		reg.MustRegister(m.BusDropped)
	}
	m.setState("uninitialized")
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done or the subscription closes.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe applies one event to the collectors.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeEngineState:
		if sc, ok := ev.Data.(eventbus.StateChange); ok {
			m.setState(sc.To)
		}
	case eventbus.TypeTickDone, eventbus.TypeTickFailed:
		tr, ok := ev.Data.(eventbus.TickResult)
		if !ok {
			return
		}
		result := "ok"
		if ev.Type == eventbus.TypeTickFailed {
			result = tr.Reason
			if result == "" {
				result = "error"
			}
		}
		m.Ticks.WithLabelValues(result).Inc()
		m.TickDuration.Observe(tr.Duration.Seconds())
		m.QuotaRemaining.Set(float64(tr.QuotaRemaining))
		m.LedgerSize.Set(float64(tr.LedgerSize))
	case eventbus.TypeItemDelivered, eventbus.TypeItemFailed:
		if d, ok := ev.Data.(eventbus.Delivery); ok {
			m.Deliveries.WithLabelValues(d.Outcome).Inc()
		}
	case eventbus.TypeLedgerError:
		m.LedgerErrors.Inc()
	}
}

func (m *Metrics) setState(current string) {
	for _, s := range engineStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.EngineState.WithLabelValues(s).Set(v)
	}
}
