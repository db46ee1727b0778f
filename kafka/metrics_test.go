package kafka

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("")
	require.NoError(t, m.Register(reg))

	assert.Error(t, m.Register(reg), "double registration must fail")
	assert.Panics(t, func() { m.MustRegister(reg) })
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics("test")

	m.observePublish("t", Acknowledged, 3, time.Now())
	m.incPublishError("t", FireAndForget, "handoff")
	m.incConsumed("t", "g")
	m.incConsumed("t", "g")
	m.incCommitError("t", "g")
	m.setPosition("t", "g", 42)
	m.setReady("producer", true)
	m.setReady("consumer", false)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.publishedTotal.WithLabelValues("t", "ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishErrorsTotal.WithLabelValues("t", "noack", "handoff")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.consumedTotal.WithLabelValues("t", "g")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commitErrorsTotal.WithLabelValues("t", "g")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.consumerPosition.WithLabelValues("t", "g")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionStateInfo.WithLabelValues("producer")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connectionStateInfo.WithLabelValues("consumer")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.publishLatencySec))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observePublish("t", Acknowledged, 1, time.Now())
		m.incPublishError("t", Acknowledged, "ack")
		m.incConsumed("t", "g")
		m.incHandlerError("t")
		m.incOffsetReset("t", "g", ResetToTail)
		m.incCommitError("t", "g")
		m.setPosition("t", "g", 1)
		m.setReady("consumer", true)
	})
}
