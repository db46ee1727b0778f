package kafka

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
brokers: [kafka-1:9092, kafka-2:9092]
topic: orders
client_id: billing
driver: franz
log_level: debug
connection_timeout: 3s
request_timeout: 7s
ssl: true
sasl:
  mechanism: SCRAM-SHA-512
  username: svc
  password: secret
producer:
  mode: noack
  ack_timeout: 250ms
  flush_timeout: 2s
  compression: zstd
  stream_batch_size: 50
consumer:
  group_id: billing-workers
  from: earliest
  session_timeout: 12s
  poll_timeout: 50ms
  fetch_max_wait: 200ms
  fetch_min_bytes: 10
  auto_commit: false
  auto_commit_interval: 1s
  offset_reset: earliest
`

func applyProducer(opts []ProducerOption) *ProducerConfig {
	cfg := newDefaultProducerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func applyConsumer(opts []ConsumerOption) *ConsumerConfig {
	cfg := newDefaultConsumerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers)
	assert.Equal(t, FireAndForget, cfg.DeliveryMode())

	p := applyProducer(cfg.ProducerOptions())
	assert.Equal(t, "orders", p.Topic)
	assert.Equal(t, "billing-producer", p.ClientID)
	assert.Equal(t, DriverFranz, p.Driver)
	assert.Equal(t, LogLevelDebug, p.LogLevel)
	assert.Equal(t, 3*time.Second, p.ConnectionTimeout)
	assert.Equal(t, 7*time.Second, p.RequestTimeout)
	assert.True(t, p.SSL)
	require.NotNil(t, p.SASL)
	assert.Equal(t, "SCRAM-SHA-512", p.SASL.Mechanism)
	assert.Equal(t, FireAndForget, p.Mode)
	assert.Equal(t, 250*time.Millisecond, p.AckTimeout)
	assert.Equal(t, 2*time.Second, p.FlushTimeout)
	assert.Equal(t, CompressionZSTD, p.Compression)
	assert.Equal(t, 50, p.StreamBatchSize)

	c := applyConsumer(cfg.ConsumerOptions())
	assert.Equal(t, "orders", c.Topic)
	assert.Equal(t, "billing-workers", c.GroupID)
	assert.Equal(t, "billing-consumer", c.ClientID)
	assert.Equal(t, OffsetEarliest, c.From)
	assert.Equal(t, 12*time.Second, c.SessionTimeout)
	assert.Equal(t, 50*time.Millisecond, c.PollTimeout)
	assert.Equal(t, 200*time.Millisecond, c.FetchMaxWait)
	assert.Equal(t, 10, c.FetchMinBytes)
	assert.Equal(t, DefaultFetchMaxBytes, c.FetchMaxBytes)
	assert.False(t, c.AutoCommit)
	assert.Equal(t, time.Second, c.AutoCommitInterval)
	assert.Equal(t, ResetToEarliest, c.OffsetReset)

	ps := cfg.PubSubConfig()
	assert.Equal(t, "billing-workers", ps.GroupID)
	assert.Equal(t, FireAndForget, ps.Mode)
	assert.Equal(t, LogLevelDebug, ps.LogLevel)
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("brokers: [localhost:9092]\ntopic: t\n"))
	require.NoError(t, err)

	p := applyProducer(cfg.ProducerOptions())
	assert.Equal(t, Acknowledged, p.Mode)
	assert.Equal(t, DefaultDriver, p.Driver)
	assert.Equal(t, DefaultFlushTimeout, p.FlushTimeout)
	assert.Equal(t, CompressionNone, p.Compression)

	c := applyConsumer(cfg.ConsumerOptions())
	assert.Equal(t, OffsetLatest, c.From)
	assert.True(t, c.AutoCommit)
	assert.Equal(t, ResetToTail, c.OffsetReset)
	assert.Equal(t, DefaultPollTimeout, c.PollTimeout)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing brokers", "topic: t\n", "brokers are required"},
		{"missing topic", "brokers: [b:9092]\n", "topic is required"},
		{"bad mode", "brokers: [b:9092]\ntopic: t\nproducer:\n  mode: maybe\n", "invalid producer mode"},
		{"bad compression", "brokers: [b:9092]\ntopic: t\nproducer:\n  compression: brotli\n", "invalid compression"},
		{"bad start offset", "brokers: [b:9092]\ntopic: t\nconsumer:\n  from: 12abc\n", "invalid start offset"},
		{"negative start offset", "brokers: [b:9092]\ntopic: t\nconsumer:\n  from: \"-5\"\n", "invalid start offset"},
		{"bad reset", "brokers: [b:9092]\ntopic: t\nconsumer:\n  offset_reset: middle\n", "invalid offset reset policy"},
		{"bad log level", "brokers: [b:9092]\ntopic: t\nlog_level: loud\n", "invalid log level"},
		{"unknown driver", "brokers: [b:9092]\ntopic: t\ndriver: sarama\n", "unknown driver"},
		{"unknown key", "brokers: [b:9092]\ntopic: t\nretries: 3\n", "field retries not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseStartOffset(t *testing.T) {
	for in, want := range map[string]int64{
		"":          OffsetLatest,
		"latest":    OffsetLatest,
		"EARLIEST":  OffsetEarliest,
		"beginning": OffsetEarliest,
		"committed": OffsetCommitted,
		"0":         0,
		"1234":      1234,
	} {
		got, err := parseStartOffset(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pubsub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.Topic)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
