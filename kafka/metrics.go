package kafka

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by producers and consumers.
// A nil *Metrics records nothing.
type Metrics struct {
	publishedTotal      *prometheus.CounterVec
	publishErrorsTotal  *prometheus.CounterVec
	publishLatencySec   *prometheus.HistogramVec
	consumedTotal       *prometheus.CounterVec
	handlerErrorsTotal  *prometheus.CounterVec
	offsetResetsTotal   *prometheus.CounterVec
	commitErrorsTotal   *prometheus.CounterVec
	consumerPosition    *prometheus.GaugeVec
	connectionStateInfo *prometheus.GaugeVec
}

// NewMetrics creates unregistered collectors under namespace
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "kafka_pubsub"
	}
	return &Metrics{
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_messages_total",
			Help:      "Messages accepted by the broker (ack) or handed to the transport (noack)",
		}, []string{"topic", "mode"}),
		publishErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed publish calls by stage",
		}, []string{"topic", "mode", "stage"}),
		publishLatencySec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Time until Publish or PublishBatch returned",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic", "mode"}),
		consumedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_messages_total",
			Help:      "Messages received and dispatched",
		}, []string{"topic", "group"}),
		handlerErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler failures isolated by the dispatcher",
		}, []string{"topic"}),
		offsetResetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offset_resets_total",
			Help:      "Out-of-range recoveries by policy",
		}, []string{"topic", "group", "policy"}),
		commitErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_errors_total",
			Help:      "Failed offset commits",
		}, []string{"topic", "group"}),
		consumerPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_position",
			Help:      "Next offset the consumer will read",
		}, []string{"topic", "group"}),
		connectionStateInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_ready",
			Help:      "1 when the producer or consumer connection is ready",
		}, []string{"role"}),
	}
}

// Register adds every collector to reg
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is like Register but panics on error
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.collectors()...)
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.publishedTotal,
		m.publishErrorsTotal,
		m.publishLatencySec,
		m.consumedTotal,
		m.handlerErrorsTotal,
		m.offsetResetsTotal,
		m.commitErrorsTotal,
		m.consumerPosition,
		m.connectionStateInfo,
	}
}

func (m *Metrics) observePublish(topic string, mode DeliveryMode, n int, started time.Time) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(topic, mode.String()).Add(float64(n))
	m.publishLatencySec.WithLabelValues(topic, mode.String()).Observe(time.Since(started).Seconds())
}

func (m *Metrics) incPublishError(topic string, mode DeliveryMode, stage string) {
	if m == nil {
		return
	}
	m.publishErrorsTotal.WithLabelValues(topic, mode.String(), stage).Inc()
}

func (m *Metrics) incConsumed(topic, group string) {
	if m == nil {
		return
	}
	m.consumedTotal.WithLabelValues(topic, group).Inc()
}

func (m *Metrics) incHandlerError(topic string) {
	if m == nil {
		return
	}
	m.handlerErrorsTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) incOffsetReset(topic, group string, policy OffsetResetPolicy) {
	if m == nil {
		return
	}
	m.offsetResetsTotal.WithLabelValues(topic, group, policy.String()).Inc()
}

func (m *Metrics) incCommitError(topic, group string) {
	if m == nil {
		return
	}
	m.commitErrorsTotal.WithLabelValues(topic, group).Inc()
}

func (m *Metrics) setPosition(topic, group string, offset int64) {
	if m == nil {
		return
	}
	m.consumerPosition.WithLabelValues(topic, group).Set(float64(offset))
}

func (m *Metrics) setReady(role string, ready bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	m.connectionStateInfo.WithLabelValues(role).Set(v)
}
