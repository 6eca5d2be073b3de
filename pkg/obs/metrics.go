// Package obs is the observability pipe: an in-process metrics facade and
// append-only JSONL operation logs. It depends on nothing else in the
// pipeline; the other components receive it as a constructor argument.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gansauditor"

// Metrics is the facade the pipeline records into. Callers never touch
// prometheus types; everything is a plain method call.
type Metrics struct {
	registry *prometheus.Registry

	auditsStarted        prometheus.Counter
	auditsCompleted      *prometheus.CounterVec
	auditsFailed         *prometheus.CounterVec
	auditsTimedOut       prometheus.Counter
	cacheHits            prometheus.Counter
	cacheMisses          prometheus.Counter
	stagnationDetections prometheus.Counter
	contextsCreated      prometheus.Counter
	contextsTerminated   *prometheus.CounterVec
	sessionsCreated      prometheus.Counter
	sessionsCompleted    *prometheus.CounterVec

	auditDurationMs   prometheus.Histogram
	queueWaitMs       prometheus.Histogram
	loopsToCompletion prometheus.Histogram

	activeAudits   prometheus.Gauge
	queueDepth     prometheus.Gauge
	activeSessions prometheus.Gauge
	activeContexts prometheus.Gauge
}

// NewMetrics registers the instrument set on the given registry. Tests pass
// a fresh prometheus.NewRegistry() for isolation.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		auditsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audits_started_total",
			Help: "Audits handed to the judge driver",
		}),
		auditsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audits_completed_total",
			Help: "Audits that produced a review, by verdict",
		}, []string{"verdict"}),
		auditsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audits_failed_total",
			Help: "Audits that failed, by driver failure category",
		}, []string{"category"}),
		auditsTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "audits_timed_out_total",
			Help: "Audits cut off by the per-audit deadline",
		}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Review cache hits",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total",
			Help: "Review cache misses",
		}),
		stagnationDetections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stagnation_detections_total",
			Help: "Sessions terminated for stagnation",
		}),
		contextsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "contexts_created_total",
			Help: "Analyzer context windows started",
		}),
		contextsTerminated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "contexts_terminated_total",
			Help: "Analyzer context windows terminated, by reason",
		}, []string{"reason"}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Sessions created",
		}),
		sessionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_completed_total",
			Help: "Sessions that reached a terminal state, by reason",
		}, []string{"reason"}),

		auditDurationMs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "audit_duration_ms",
			Help:    "One judge run, milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}),
		queueWaitMs: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "queue_wait_ms",
			Help:    "Time between enqueue and worker pickup, milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 15000, 60000},
		}),
		loopsToCompletion: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "loops_to_completion",
			Help:    "Iterations a session needed to reach a terminal state",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20, 25},
		}),

		activeAudits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_audits",
			Help: "Audits currently executing",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Submissions waiting in the FIFO queue",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions",
			Help: "Live sessions held in memory",
		}),
		activeContexts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_contexts",
			Help: "Live analyzer context children",
		}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) AuditStarted() { m.auditsStarted.Inc() }

func (m *Metrics) AuditCompleted(verdict string) {
	m.auditsCompleted.WithLabelValues(verdict).Inc()
}

func (m *Metrics) AuditFailed(category string) {
	m.auditsFailed.WithLabelValues(category).Inc()
}

func (m *Metrics) AuditTimedOut() { m.auditsTimedOut.Inc() }

func (m *Metrics) CacheHit() { m.cacheHits.Inc() }

func (m *Metrics) CacheMiss() { m.cacheMisses.Inc() }

func (m *Metrics) StagnationDetected() { m.stagnationDetections.Inc() }

func (m *Metrics) ContextCreated() { m.contextsCreated.Inc() }

func (m *Metrics) ContextTerminated(reason string) {
	m.contextsTerminated.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionCreated() { m.sessionsCreated.Inc() }

func (m *Metrics) SessionCompleted(reason string) {
	m.sessionsCompleted.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveAuditDuration(d time.Duration) {
	m.auditDurationMs.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveQueueWait(d time.Duration) {
	m.queueWaitMs.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveLoopsToCompletion(loops int) {
	m.loopsToCompletion.Observe(float64(loops))
}

func (m *Metrics) IncActiveAudits() { m.activeAudits.Inc() }

func (m *Metrics) DecActiveAudits() { m.activeAudits.Dec() }

func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

func (m *Metrics) SetActiveSessions(n int) { m.activeSessions.Set(float64(n)) }

func (m *Metrics) SetActiveContexts(n int) { m.activeContexts.Set(float64(n)) }
