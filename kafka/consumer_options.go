package kafka

import (
	"time"
)

// ConsumerConfig holds all consumer configuration
type ConsumerConfig struct {
	// Connection
	Brokers           []string
	ClientID          string
	GroupID           string
	Topic             string
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration

	// SSL/SASL authentication
	SSL  bool
	SASL *SASLConfig

	// Session
	SessionTimeout time.Duration

	// Start position when Subscribe is driven by the config
	// (OffsetLatest, OffsetEarliest, OffsetCommitted or an absolute offset)
	From int64

	// Fetching
	PollTimeout   time.Duration
	FetchMaxWait  time.Duration
	FetchMinBytes int
	FetchMaxBytes int

	// Commit settings
	AutoCommit         bool
	AutoCommitInterval time.Duration

	// Out-of-range handling
	OffsetReset         OffsetResetPolicy
	OffsetRecoveryDelay time.Duration

	// Error handling
	ErrorHandler ErrorHandler

	// Transport
	Driver    string
	transport Driver

	// Observability
	Tracing *TracingConfig
	Metrics *Metrics

	// Logging
	LogLevel LogLevel
	Logger   Logger
}

// ConsumerOption is a function that configures the consumer
type ConsumerOption func(*ConsumerConfig)

// ==================== Consumer Options ====================

// ConsumerWithBrokers sets the Kafka broker addresses for consumer
func ConsumerWithBrokers(brokers ...string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Brokers = brokers
	}
}

// ConsumerWithClientID sets the client ID for consumer
func ConsumerWithClientID(clientID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.ClientID = clientID
	}
}

// ConsumerWithSSL enables SSL for consumer
func ConsumerWithSSL(enabled bool) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.SSL = enabled
	}
}

// ConsumerWithSASL sets SASL authentication for consumer
func ConsumerWithSASL(sasl *SASLConfig) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.SASL = sasl
	}
}

// ConsumerWithConnectionTimeout sets the connection timeout for consumer
func ConsumerWithConnectionTimeout(timeout time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.ConnectionTimeout = timeout
	}
}

// ConsumerWithRequestTimeout sets the request timeout for consumer
func ConsumerWithRequestTimeout(timeout time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RequestTimeout = timeout
	}
}

// ConsumerWithTopic sets the topic to consume
func ConsumerWithTopic(topic string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Topic = topic
	}
}

// WithGroupID sets the consumer group ID
func WithGroupID(groupID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.GroupID = groupID
	}
}

// WithSessionTimeout sets the session timeout
func WithSessionTimeout(timeout time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.SessionTimeout = timeout
	}
}

// WithStartOffset sets where consumption starts
func WithStartOffset(offset int64) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.From = offset
	}
}

// WithFromBeginning starts from the oldest retained record instead of the tail
func WithFromBeginning(enabled bool) ConsumerOption {
	return func(c *ConsumerConfig) {
		if enabled {
			c.From = OffsetEarliest
		} else {
			c.From = OffsetLatest
		}
	}
}

// WithPollTimeout sets how long one poll waits before the loop re-checks for shutdown
func WithPollTimeout(timeout time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.PollTimeout = timeout
	}
}

// WithFetchMaxWait sets the broker-side fetch wait
func WithFetchMaxWait(wait time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.FetchMaxWait = wait
	}
}

// WithFetchBytes sets the minimum and maximum fetch sizes
func WithFetchBytes(minBytes, maxBytes int) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.FetchMinBytes = minBytes
		c.FetchMaxBytes = maxBytes
	}
}

// WithAutoCommit sets auto commit
func WithAutoCommit(enabled bool) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.AutoCommit = enabled
	}
}

// WithAutoCommitInterval sets auto commit interval
func WithAutoCommitInterval(interval time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.AutoCommitInterval = interval
	}
}

// WithOffsetReset sets where the consumer goes when its position falls out of range.
// ResetToTail, the default, skips the unread backlog.
func WithOffsetReset(policy OffsetResetPolicy) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.OffsetReset = policy
	}
}

// WithOffsetRecoveryDelay sets the pause before retrying a failed out-of-range recovery
func WithOffsetRecoveryDelay(delay time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.OffsetRecoveryDelay = delay
	}
}

// WithErrorHandler sets the error handler
func WithErrorHandler(handler ErrorHandler) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.ErrorHandler = handler
	}
}

// ConsumerWithDriver selects a registered transport driver by name
func ConsumerWithDriver(name string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Driver = name
	}
}

// ConsumerWithTransportDriver uses d instead of a registered driver
func ConsumerWithTransportDriver(d Driver) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.transport = d
	}
}

// ConsumerWithTracing sets tracing configuration for consumer
func ConsumerWithTracing(tracing *TracingConfig) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Tracing = tracing
	}
}

// ConsumerWithMetrics records consumer activity into m
func ConsumerWithMetrics(m *Metrics) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Metrics = m
	}
}

// ConsumerWithLogLevel sets the log level for consumer
func ConsumerWithLogLevel(level LogLevel) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.LogLevel = level
	}
}

// ConsumerWithLogger sets a custom logger for consumer
func ConsumerWithLogger(logger Logger) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Logger = logger
	}
}

// newDefaultConsumerConfig creates a new consumer config with default values
func newDefaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		ClientID:            defaultClientID("consumer"),
		ConnectionTimeout:   DefaultConnectionTimeout,
		RequestTimeout:      DefaultRequestTimeout,
		SessionTimeout:      DefaultSessionTimeout,
		From:                OffsetLatest,
		PollTimeout:         DefaultPollTimeout,
		FetchMaxWait:        DefaultFetchMaxWait,
		FetchMinBytes:       DefaultFetchMinBytes,
		FetchMaxBytes:       DefaultFetchMaxBytes,
		AutoCommit:          true,
		AutoCommitInterval:  DefaultAutoCommitInterval,
		OffsetReset:         ResetToTail,
		OffsetRecoveryDelay: DefaultOffsetRecoveryDelay,
		Driver:              DefaultDriver,
		LogLevel:            LogLevelInfo,
	}
}
