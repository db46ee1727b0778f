package kafka

import (
	"time"

	"github.com/google/uuid"
)

// ProducerConfig holds all producer configuration
type ProducerConfig struct {
	// Connection
	Brokers           []string
	ClientID          string
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration

	// SSL/SASL
	SSL  bool
	SASL *SASLConfig

	// Target topic for Publish and for batch messages without a topic
	Topic string

	// Delivery
	Mode         DeliveryMode
	AckTimeout   time.Duration
	FlushTimeout time.Duration
	Compression  Compression

	// Stream publishing
	StreamBatchSize int

	// Transport
	Driver    string
	transport Driver

	// Logging
	LogLevel LogLevel
	Logger   Logger

	// Observability
	Tracing *TracingConfig
	Metrics *Metrics
}

// SASLConfig holds SASL authentication configuration
type SASLConfig struct {
	Mechanism string
	Username  string
	Password  string
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled       bool
	TracerName    string
	TracerVersion string
}

// Compression types for message compression
type Compression int

const (
	// CompressionNone - No compression
	CompressionNone Compression = 0
	// CompressionGZIP - GZIP compression
	CompressionGZIP Compression = 1
	// CompressionSnappy - Snappy compression
	CompressionSnappy Compression = 2
	// CompressionLZ4 - LZ4 compression
	CompressionLZ4 Compression = 3
	// CompressionZSTD - ZSTD compression
	CompressionZSTD Compression = 4
)

// ProducerOption is a function that configures the producer
type ProducerOption func(*ProducerConfig)

// Default values
var (
	DefaultConnectionTimeout   = 10 * time.Second
	DefaultRequestTimeout      = 30 * time.Second
	DefaultAckTimeout          = 5 * time.Second
	DefaultNoAckTimeout        = 1 * time.Second
	DefaultFlushTimeout        = 10 * time.Second
	DefaultStreamBatchSize     = 100
	DefaultSessionTimeout      = 30 * time.Second
	DefaultAutoCommitInterval  = 5 * time.Second
	DefaultPollTimeout         = 100 * time.Millisecond
	DefaultFetchMaxWait        = 1 * time.Second
	DefaultFetchMinBytes       = 1
	DefaultFetchMaxBytes       = 1024 * 1024
	DefaultOffsetRecoveryDelay = 500 * time.Millisecond
	DefaultDriver              = DriverConfluent
)

// ==================== Producer Options ====================

// WithBrokers sets the Kafka broker addresses
func WithBrokers(brokers ...string) ProducerOption {
	return func(c *ProducerConfig) {
		c.Brokers = brokers
	}
}

// WithClientID sets the client ID
func WithClientID(clientID string) ProducerOption {
	return func(c *ProducerConfig) {
		c.ClientID = clientID
	}
}

// WithConnectionTimeout sets the connection timeout
func WithConnectionTimeout(timeout time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.ConnectionTimeout = timeout
	}
}

// WithRequestTimeout sets the request timeout
func WithRequestTimeout(timeout time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.RequestTimeout = timeout
	}
}

// WithSSL enables SSL
func WithSSL(enabled bool) ProducerOption {
	return func(c *ProducerConfig) {
		c.SSL = enabled
	}
}

// WithSASL sets SASL authentication
func WithSASL(sasl *SASLConfig) ProducerOption {
	return func(c *ProducerConfig) {
		c.SASL = sasl
	}
}

// WithTopic sets the topic Publish writes to
func WithTopic(topic string) ProducerOption {
	return func(c *ProducerConfig) {
		c.Topic = topic
	}
}

// WithDeliveryMode sets the acknowledgment strategy. It cannot change later.
func WithDeliveryMode(mode DeliveryMode) ProducerOption {
	return func(c *ProducerConfig) {
		c.Mode = mode
	}
}

// WithAckTimeout bounds how long an Acknowledged publish waits for the leader
func WithAckTimeout(timeout time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.AckTimeout = timeout
	}
}

// WithFlushTimeout bounds how long Close waits for in-flight records
func WithFlushTimeout(timeout time.Duration) ProducerOption {
	return func(c *ProducerConfig) {
		c.FlushTimeout = timeout
	}
}

// WithCompression sets the compression type
func WithCompression(compression Compression) ProducerOption {
	return func(c *ProducerConfig) {
		c.Compression = compression
	}
}

// WithStreamBatchSize sets the default chunk size for PublishStream
func WithStreamBatchSize(size int) ProducerOption {
	return func(c *ProducerConfig) {
		c.StreamBatchSize = size
	}
}

// WithDriver selects a registered transport driver by name
func WithDriver(name string) ProducerOption {
	return func(c *ProducerConfig) {
		c.Driver = name
	}
}

// WithTransportDriver uses d instead of a registered driver
func WithTransportDriver(d Driver) ProducerOption {
	return func(c *ProducerConfig) {
		c.transport = d
	}
}

// WithLogLevel sets the log level
func WithLogLevel(level LogLevel) ProducerOption {
	return func(c *ProducerConfig) {
		c.LogLevel = level
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) ProducerOption {
	return func(c *ProducerConfig) {
		c.Logger = logger
	}
}

// WithTracing sets tracing configuration
func WithTracing(tracing *TracingConfig) ProducerOption {
	return func(c *ProducerConfig) {
		c.Tracing = tracing
	}
}

// WithMetrics records producer activity into m
func WithMetrics(m *Metrics) ProducerOption {
	return func(c *ProducerConfig) {
		c.Metrics = m
	}
}

// ==================== Default Configs ====================

// newDefaultProducerConfig creates a new producer config with default values
func newDefaultProducerConfig() *ProducerConfig {
	return &ProducerConfig{
		ClientID:          defaultClientID("producer"),
		ConnectionTimeout: DefaultConnectionTimeout,
		RequestTimeout:    DefaultRequestTimeout,
		Mode:              Acknowledged,
		FlushTimeout:      DefaultFlushTimeout,
		Compression:       CompressionNone,
		StreamBatchSize:   DefaultStreamBatchSize,
		Driver:            DefaultDriver,
		LogLevel:          LogLevelInfo,
	}
}

// ackTimeout is how long a record may stay unacknowledged before the
// transport gives up on it. Acknowledged publishes also wait this long.
func (c *ProducerConfig) ackTimeout() time.Duration {
	if c.AckTimeout > 0 {
		return c.AckTimeout
	}
	if c.Mode == FireAndForget {
		return DefaultNoAckTimeout
	}
	return DefaultAckTimeout
}

func defaultClientID(role string) string {
	return "kafka-pubsub-" + role + "-" + uuid.NewString()[:8]
}

func getCompressionName(compression Compression) string {
	switch compression {
	case CompressionGZIP:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "none"
	}
}
