package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/lattice/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records replication activity.
type Metrics struct {
	instances *prometheus.GaugeVec
	lifecycle *prometheus.CounterVec
	flushes   *prometheus.CounterVec
	txns      *prometheus.CounterVec
	keys      *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	flushTime *prometheus.HistogramVec
	echoes    *prometheus.CounterVec
	gets      *prometheus.CounterVec
	getWait   *prometheus.HistogramVec
	errors    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lattice_instances",
			Help: "Instances currently registered",
		}, []string{"namespace"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_instance_events_total",
			Help: "Instance registrations and removals",
		}, []string{"namespace", "event", "origin"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_flushes_total",
			Help: "Flush cycles of the pending-change aggregator",
		}, []string{"namespace"}),
		txns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_flush_transactions_total",
			Help: "Transactions written by flushes",
		}, []string{"namespace"}),
		keys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_flush_keys_total",
			Help: "State keys written by flushes",
		}, []string{"namespace"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_flush_skipped_total",
			Help: "Entities skipped by flushes because they were removed",
		}, []string{"namespace"}),
		flushTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lattice_flush_duration_seconds",
			Help:    "Duration of flush cycles",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"namespace"}),
		echoes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_echo_suppressed_total",
			Help: "Self-originated batches that were not replayed",
		}, []string{"namespace"}),
		gets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_get_instance_total",
			Help: "GetInstance outcomes",
		}, []string{"namespace", "outcome"}),
		getWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lattice_get_instance_wait_seconds",
			Help:    "Time spent waiting in GetInstance",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"namespace"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_errors_total",
			Help: "Replication errors that were logged instead of returned",
		}, []string{"namespace", "op"}),
	}
	reg.MustRegister(
		m.instances, m.lifecycle, m.flushes, m.txns, m.keys, m.skipped,
		m.flushTime, m.echoes, m.gets, m.getWait, m.errors,
	)
	return m
}

// Instances returns the registered-instances gauge of one namespace.
func (m *Metrics) Instances(namespace string) prometheus.Gauge {
	return m.instances.WithLabelValues(namespace)
}

// FlushTransactions returns the flush transaction counter of one namespace.
func (m *Metrics) FlushTransactions(namespace string) prometheus.Counter {
	return m.txns.WithLabelValues(namespace)
}

// EchoesSuppressed returns the suppressed-echo counter of one namespace.
func (m *Metrics) EchoesSuppressed(namespace string) prometheus.Counter {
	return m.echoes.WithLabelValues(namespace)
}

// GetOutcomes returns the GetInstance counter for outcome "found", "timeout" or "cancelled".
func (m *Metrics) GetOutcomes(namespace, outcome string) prometheus.Counter {
	return m.gets.WithLabelValues(namespace, outcome)
}

func originLabel(remote bool) string {
	if remote {
		return "remote"
	}
	return "local"
}

// Hooks returns lifecycle hooks feeding the collectors.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnInstanceAdded: func(_ context.Context, e *domain.InstanceEvent) {
			m.instances.WithLabelValues(e.Namespace).Inc()
			m.lifecycle.WithLabelValues(e.Namespace, "added", originLabel(e.Remote)).Inc()
		},
		OnInstanceRemoved: func(_ context.Context, e *domain.InstanceEvent) {
			m.instances.WithLabelValues(e.Namespace).Dec()
			m.lifecycle.WithLabelValues(e.Namespace, "removed", originLabel(e.Remote)).Inc()
		},
		OnFlush: func(_ context.Context, e *domain.FlushEvent) {
			m.flushes.WithLabelValues(e.Namespace).Inc()
			m.txns.WithLabelValues(e.Namespace).Add(float64(e.Transactions))
			m.keys.WithLabelValues(e.Namespace).Add(float64(e.Keys))
			m.skipped.WithLabelValues(e.Namespace).Add(float64(e.Skipped))
			m.flushTime.WithLabelValues(e.Namespace).Observe(e.Duration.Seconds())
		},
		OnEchoSuppressed: func(_ context.Context, e *domain.EchoEvent) {
			m.echoes.WithLabelValues(e.Namespace).Inc()
		},
		OnGetResolved: func(_ context.Context, e *domain.GetEvent) {
			outcome := "cancelled"
			if e.Found {
				outcome = "found"
			} else if e.TimedOut {
				outcome = "timeout"
			}
			m.gets.WithLabelValues(e.Namespace, outcome).Inc()
			m.getWait.WithLabelValues(e.Namespace).Observe(e.Waited.Seconds())
		},
		OnError: func(_ context.Context, e *domain.ErrorEvent) {
			m.errors.WithLabelValues(e.Namespace, e.Op).Inc()
		},
	}
}

// Chain merges several hook sets; every non-nil callback runs, in order.
func Chain(sets ...domain.LifecycleHooks) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnInstanceAdded: func(ctx context.Context, e *domain.InstanceEvent) {
			for _, h := range sets {
				if h.OnInstanceAdded != nil {
					h.OnInstanceAdded(ctx, e)
				}
			}
		},
		OnInstanceRemoved: func(ctx context.Context, e *domain.InstanceEvent) {
			for _, h := range sets {
				if h.OnInstanceRemoved != nil {
					h.OnInstanceRemoved(ctx, e)
				}
			}
		},
		OnFlush: func(ctx context.Context, e *domain.FlushEvent) {
			for _, h := range sets {
				if h.OnFlush != nil {
					h.OnFlush(ctx, e)
				}
			}
		},
		OnEchoSuppressed: func(ctx context.Context, e *domain.EchoEvent) {
			for _, h := range sets {
				if h.OnEchoSuppressed != nil {
					h.OnEchoSuppressed(ctx, e)
				}
			}
		},
		OnGetResolved: func(ctx context.Context, e *domain.GetEvent) {
			for _, h := range sets {
				if h.OnGetResolved != nil {
					h.OnGetResolved(ctx, e)
				}
			}
		},
		OnError: func(ctx context.Context, e *domain.ErrorEvent) {
			for _, h := range sets {
				if h.OnError != nil {
					h.OnError(ctx, e)
				}
			}
		},
	}
}

// LogHooks reports lifecycle events on logger.
func LogHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnInstanceAdded: func(_ context.Context, e *domain.InstanceEvent) {
			logger.Info("instance_added", "namespace", e.Namespace, "id", e.ID, "origin", originLabel(e.Remote))
		},
		OnInstanceRemoved: func(_ context.Context, e *domain.InstanceEvent) {
			logger.Info("instance_removed", "namespace", e.Namespace, "id", e.ID, "origin", originLabel(e.Remote))
		},
		OnFlush: func(_ context.Context, e *domain.FlushEvent) {
			logger.Debug("flush",
				"namespace", e.Namespace,
				"transactions", e.Transactions,
				"keys", e.Keys,
				"skipped", e.Skipped,
				"duration", e.Duration,
			)
		},
		OnError: func(_ context.Context, e *domain.ErrorEvent) {
			logger.Warn("replication_error", "namespace", e.Namespace, "id", e.ID, "op", e.Op, "err", e.Err)
		},
	}
}
