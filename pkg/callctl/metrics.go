package callctl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics prometheus метрики ядра.
//
// Все методы допускают nil получатель: менеджер без метрик просто
// не вызывает prometheus.
type Metrics struct {
	transitions     *prometheus.CounterVec
	activeCalls     prometheus.Gauge
	callsCreated    *prometheus.CounterVec
	callsDestroyed  *prometheus.CounterVec
	pendingActions  *prometheus.CounterVec
	signalingErrors *prometheus.CounterVec
	callDuration    prometheus.Histogram
}

// MetricsConfig конфигурация метрик.
type MetricsConfig struct {
	Namespace string
	Subsystem string
	// Registerer куда регистрировать метрики, nil - prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "callctl",
		Subsystem: "core",
	}
}

// NewMetrics создает и регистрирует метрики.
func NewMetrics(cfg MetricsConfig) *Metrics {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of call state transitions",
		}, []string{"from", "to"}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "calls",
			Help:      "Number of sessions in the call table",
		}),
		callsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "calls_created_total",
			Help:      "Number of tracked call sessions created",
		}, []string{"direction"}),
		callsDestroyed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "calls_destroyed_total",
			Help:      "Number of call sessions torn down, by call type",
		}, []string{"type"}),
		pendingActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "pending_actions_total",
			Help:      "Pending action events (stashed, replaced, fired)",
		}, []string{"kind", "event"}),
		signalingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "signaling_errors_total",
			Help:      "Signaling commands rejected by the stack",
		}, []string{"op"}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "call_duration_seconds",
			Help:      "Talk time of finished calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}
}

func (m *Metrics) transition(from, to StateID) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) setCalls(n int) {
	if m == nil {
		return
	}
	m.activeCalls.Set(float64(n))
}

func (m *Metrics) callCreated(direction string) {
	if m == nil {
		return
	}
	m.callsCreated.WithLabelValues(direction).Inc()
}

func (m *Metrics) callDestroyed(sm *StateMachine) {
	if m == nil {
		return
	}
	m.callsDestroyed.WithLabelValues(sm.callType.String()).Inc()
	if sm.duration > 0 {
		m.callDuration.Observe(sm.duration.Seconds())
	}
}

func (m *Metrics) pending(kind pendingKind, event string) {
	if m == nil {
		return
	}
	m.pendingActions.WithLabelValues(kind.String(), event).Inc()
}

func (m *Metrics) signalingError(op string) {
	if m == nil {
		return
	}
	m.signalingErrors.WithLabelValues(op).Inc()
}
