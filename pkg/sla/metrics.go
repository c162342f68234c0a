package sla

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics - Prometheus метрики контроллера SLA. Методы nil-безопасны.
type Metrics struct {
	trunksRinging   prometheus.Gauge
	stationsRinging prometheus.Gauge
	callsActive     prometheus.Gauge
	ringTimeouts    *prometheus.CounterVec
	stationDials    *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg; reg nil - в глобальном
// регистраторе.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		trunksRinging: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "confbridge",
			Subsystem: "sla",
			Name:      "trunks_ringing",
			Help:      "Число звонящих транков",
		}),
		stationsRinging: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "confbridge",
			Subsystem: "sla",
			Name:      "stations_ringing",
			Help:      "Число станций в наборе",
		}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "confbridge",
			Subsystem: "sla",
			Name:      "calls_active",
			Help:      "Число активных станционных плеч",
		}),
		ringTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confbridge",
			Subsystem: "sla",
			Name:      "ring_timeouts_total",
			Help:      "Истечений таймаутов звона",
		}, []string{"kind"}),
		stationDials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confbridge",
			Subsystem: "sla",
			Name:      "station_dials_total",
			Help:      "Наборов станций по итогам",
		}, []string{"result"}),
	}
}

func (m *Metrics) trunkRinging(n int) {
	if m == nil {
		return
	}
	m.trunksRinging.Set(float64(n))
}

func (m *Metrics) stationRinging(n int) {
	if m == nil {
		return
	}
	m.stationsRinging.Set(float64(n))
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.callsActive.Inc()
}

func (m *Metrics) callEnded() {
	if m == nil {
		return
	}
	m.callsActive.Dec()
}

func (m *Metrics) ringTimeout(kind string) {
	if m == nil {
		return
	}
	m.ringTimeouts.WithLabelValues(kind).Inc()
}

func (m *Metrics) stationDial(result string) {
	if m == nil {
		return
	}
	m.stationDials.WithLabelValues(result).Inc()
}
