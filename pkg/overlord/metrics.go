package overlord

import (
	"github.com/germanamz/relaydeck/pkg/bus"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the overlord's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	MinionsTracked     prometheus.Gauge
	BusMessages        *prometheus.CounterVec
	DispatchDropped    *prometheus.CounterVec
	MinionExits        *prometheus.CounterVec
	ForcedCancellation prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MinionsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaydeck_minions_tracked",
			Help: "Number of minions currently tracked by the overlord",
		}),
		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydeck_bus_messages_total",
			Help: "Messages received by the overlord by kind",
		}, []string{"kind"}),
		DispatchDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydeck_dispatch_dropped_total",
			Help: "Messages dropped by the overlord dispatch loop by reason",
		}, []string{"reason"}),
		MinionExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaydeck_minion_exits_total",
			Help: "Minion final status reports by exit state",
		}, []string{"state"}),
		ForcedCancellation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaydeck_drain_forced_cancellations_total",
			Help: "Minions cancelled because they did not exit before the drain timeout",
		}),
	}

	reg.MustRegister(m.MinionsTracked, m.BusMessages, m.DispatchDropped, m.MinionExits, m.ForcedCancellation)

	return m
}

func (m *Metrics) tracked(n int) {
	if m == nil {
		return
	}
	m.MinionsTracked.Set(float64(n))
}

func (m *Metrics) received(k bus.Kind) {
	if m == nil {
		return
	}
	label := string(k)
	if !k.Known() {
		label = "unknown"
	}
	m.BusMessages.WithLabelValues(label).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.DispatchDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) exited(s bus.ExitState) {
	if m == nil {
		return
	}
	m.MinionExits.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) forced() {
	if m == nil {
		return
	}
	m.ForcedCancellation.Inc()
}
