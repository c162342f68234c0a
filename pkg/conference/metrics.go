package conference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics - Prometheus метрики конференц-моста. Все методы nil-безопасны:
// реестр без метрик работает как с выключенным сбором.
type Metrics struct {
	conferencesActive prometheus.Gauge
	conferencesTotal  prometheus.Counter
	membersJoined     prometheus.Counter
	joinsDenied       *prometheus.CounterVec
	framesMixed       prometheus.Counter
	framesDropped     prometheus.Counter
	dialAttempts      *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg; reg nil - в глобальном
// регистраторе.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		conferencesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "confbridge",
			Subsystem: "conference",
			Name:      "active",
			Help:      "Число активных конференций",
		}),
		conferencesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "confbridge",
			Subsystem: "conference",
			Name:      "created_total",
			Help:      "Создано конференций",
		}),
		membersJoined: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "confbridge",
			Subsystem: "member",
			Name:      "joined_total",
			Help:      "Входов участников",
		}),
		joinsDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confbridge",
			Subsystem: "member",
			Name:      "join_denied_total",
			Help:      "Отказов входа по причинам",
		}, []string{"reason"}),
		framesMixed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "confbridge",
			Subsystem: "mixer",
			Name:      "frames_mixed_total",
			Help:      "Смикшировано кадров",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "confbridge",
			Subsystem: "mixer",
			Name:      "frames_dropped_total",
			Help:      "Кадров отброшено очередями участников",
		}),
		dialAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confbridge",
			Subsystem: "dialout",
			Name:      "attempts_total",
			Help:      "Исходящих попыток по терминальным состояниям",
		}, []string{"state"}),
	}
}

func (m *Metrics) confCreated(active int) {
	if m == nil {
		return
	}
	m.conferencesTotal.Inc()
	m.conferencesActive.Set(float64(active))
}

func (m *Metrics) confDestroyed(active int) {
	if m == nil {
		return
	}
	m.conferencesActive.Set(float64(active))
}

func (m *Metrics) memberJoined() {
	if m == nil {
		return
	}
	m.membersJoined.Inc()
}

func (m *Metrics) joinDenied(reason string) {
	if m == nil {
		return
	}
	m.joinsDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) frameMixed() {
	if m == nil {
		return
	}
	m.framesMixed.Inc()
}

func (m *Metrics) framesLost(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.framesDropped.Add(float64(n))
}

func (m *Metrics) dialTerminal(state string) {
	if m == nil {
		return
	}
	m.dialAttempts.WithLabelValues(state).Inc()
}
