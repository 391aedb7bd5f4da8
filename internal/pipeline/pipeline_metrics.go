package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/vantage/internal/bus"
	"github.com/linnemanlabs/vantage/internal/plan"
	"github.com/linnemanlabs/vantage/internal/postgres"
)

// Hooks are optional callbacks invoked by the Service. Nil fields are
// skipped.
type Hooks struct {
	OnEvent      func(outcome string)
	OnValidation func(passed bool, violations []string)
	OnAlert      func(step plan.Step)
	OnFallback   func(reason string)
	OnCycle      func(d time.Duration)
	OnDecision   func(action, result string)
	OnAudit      func(kind string, err error)
}

// Metrics holds Prometheus metrics for the pipeline and its satellites.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	ValidationsTotal  *prometheus.CounterVec
	ViolationsTotal   *prometheus.CounterVec
	AlertsTotal       *prometheus.CounterVec
	FallbacksTotal    *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	DecisionsTotal    *prometheus.CounterVec
	AuditAppendsTotal *prometheus.CounterVec
	BusDropsTotal     *prometheus.CounterVec
	BusEvictionsTotal *prometheus.CounterVec
	BusSubscribers    prometheus.Gauge
	NotifyTotal       *prometheus.CounterVec
	DBQueryDuration   *prometheus.HistogramVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_events_total",
			Help: "Camera events by ingestion outcome.",
		}, []string{"outcome"}),
		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_validations_total",
			Help: "Plan validations by result.",
		}, []string{"result"}),
		ViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_violations_total",
			Help: "Blocking validation violations by code.",
		}, []string{"code"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_alerts_compiled_total",
			Help: "Compiled alerts by recommended next step.",
		}, []string{"step"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_renderer_fallbacks_total",
			Help: "Renderer fallbacks by reason.",
		}, []string{"reason"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vantage_cycle_duration_seconds",
			Help:    "Duration of one ingestion cycle in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_decisions_total",
			Help: "Operator decisions by action and result.",
		}, []string{"action", "result"}),
		AuditAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_audit_appends_total",
			Help: "Audit record appends by kind and status.",
		}, []string{"kind", "status"}),
		BusDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_bus_dropped_total",
			Help: "Bus messages dropped from full subscriber queues.",
		}, []string{"subscriber"}),
		BusEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_bus_evictions_total",
			Help: "Bus subscribers evicted for lagging.",
		}, []string{"subscriber"}),
		BusSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vantage_bus_subscribers",
			Help: "Current bus subscribers.",
		}),
		NotifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_notifications_total",
			Help: "External notifications by sender and outcome.",
		}, []string{"sender", "outcome"}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vantage_db_query_duration_seconds",
			Help:    "Database query duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.ValidationsTotal,
		m.ViolationsTotal,
		m.AlertsTotal,
		m.FallbacksTotal,
		m.CycleDuration,
		m.DecisionsTotal,
		m.AuditAppendsTotal,
		m.BusDropsTotal,
		m.BusEvictionsTotal,
		m.BusSubscribers,
		m.NotifyTotal,
		m.DBQueryDuration,
	)
	return m
}

// Hooks returns service Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnEvent: func(outcome string) {
			m.EventsTotal.WithLabelValues(outcome).Inc()
		},
		OnValidation: func(passed bool, violations []string) {
			result := "passed"
			if !passed {
				result = "failed"
			}
			m.ValidationsTotal.WithLabelValues(result).Inc()
			for _, v := range violations {
				code, _, _ := strings.Cut(v, ":")
				m.ViolationsTotal.WithLabelValues(code).Inc()
			}
		},
		OnAlert: func(step plan.Step) {
			m.AlertsTotal.WithLabelValues(string(step)).Inc()
		},
		OnFallback: func(reason string) {
			m.FallbacksTotal.WithLabelValues(reason).Inc()
		},
		OnCycle: func(d time.Duration) {
			m.CycleDuration.Observe(d.Seconds())
		},
		OnDecision: func(action, result string) {
			m.DecisionsTotal.WithLabelValues(action, result).Inc()
		},
		OnAudit: func(kind string, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			m.AuditAppendsTotal.WithLabelValues(kind, status).Inc()
		},
	}
}

// BusHooks returns bus hooks that update the bus metrics.
func (m *Metrics) BusHooks() bus.Hooks {
	return bus.Hooks{
		OnDrop:        func(name string) { m.BusDropsTotal.WithLabelValues(name).Inc() },
		OnEvict:       func(name string) { m.BusEvictionsTotal.WithLabelValues(name).Inc() },
		OnSubscribers: func(n int) { m.BusSubscribers.Set(float64(n)) },
	}
}

// ObserveNotify counts one external notification attempt.
func (m *Metrics) ObserveNotify(sender, outcome string) {
	m.NotifyTotal.WithLabelValues(sender, outcome).Inc()
}

// QueryObserver returns a postgres.QueryObserver feeding DBQueryDuration.
func (m *Metrics) QueryObserver() postgres.QueryObserver {
	return postgres.QueryObserverFunc(func(_ context.Context, op, outcome string, d time.Duration) {
		m.DBQueryDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
	})
}
