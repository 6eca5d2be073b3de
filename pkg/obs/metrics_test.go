package obs

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.AuditStarted()
	m.AuditStarted()
	m.AuditCompleted("pass")
	m.AuditCompleted("revise")
	m.AuditFailed("timeout")
	m.AuditTimedOut()
	m.CacheHit()
	m.CacheMiss()
	m.StagnationDetected()
	m.ContextCreated()
	m.ContextTerminated("tier1")
	m.SessionCreated()
	m.SessionCompleted("hardStop")
	m.SetQueueDepth(4)
	m.IncActiveAudits()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.auditsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditsCompleted.WithLabelValues("pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditsFailed.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditsTimedOut))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stagnationDetections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.contextsTerminated.WithLabelValues("tier1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsCompleted.WithLabelValues("hardStop")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeAudits))
}

func TestMetrics_HistogramsRegister(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.ObserveAuditDuration(1500 * time.Millisecond)
	m.ObserveQueueWait(20 * time.Millisecond)
	m.ObserveLoopsToCompletion(12)

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["gansauditor_audit_duration_ms"])
	assert.True(t, names["gansauditor_queue_wait_ms"])
	assert.True(t, names["gansauditor_loops_to_completion"])
}
