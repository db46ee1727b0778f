package kafka

import (
	"context"
	"time"
)

// Headers is a map of header key-value pairs
type Headers map[string][]byte

// Message represents a Kafka message
type Message struct {
	Key       []byte
	Value     []byte
	Headers   Headers
	Partition int32
	Offset    int64
	// Timestamp is the record timestamp set by the producer or broker
	Timestamp time.Time
	// ReceivedAt is set by the Consumer when the record is polled
	ReceivedAt time.Time
	Topic      string
}

// Receipt describes where a published message landed.
// FireAndForget receipts carry OffsetUnknown.
type Receipt struct {
	Topic     string
	Partition int32
	Offset    int64
}

// DefaultPartition is the only partition this client produces to and consumes from.
const DefaultPartition int32 = 0

// Special offsets. The values match librdkafka's logical offsets.
const (
	// OffsetUnknown marks an offset the broker never reported
	OffsetUnknown int64 = -1
	// OffsetLatest starts consumption at the partition tail
	OffsetLatest int64 = -1
	// OffsetEarliest starts consumption at the oldest retained record
	OffsetEarliest int64 = -2
	// OffsetCommitted resumes from the group's committed offset
	OffsetCommitted int64 = -1000
)

// DeliveryMode selects the producer's acknowledgment strategy.
// It is fixed for the lifetime of a Producer.
type DeliveryMode int

const (
	// Acknowledged waits for the partition leader to accept each publish
	Acknowledged DeliveryMode = iota
	// FireAndForget returns as soon as the record is handed to the transport
	FireAndForget
)

func (m DeliveryMode) String() string {
	switch m {
	case Acknowledged:
		return "ack"
	case FireAndForget:
		return "noack"
	default:
		return "unknown"
	}
}

// RequiredAcks returns the Kafka "acks" setting backing the mode
func (m DeliveryMode) RequiredAcks() int {
	if m == FireAndForget {
		return 0
	}
	return 1
}

// ParseDeliveryMode parses "ack"/"acknowledged" and "noack"/"fire-and-forget"
func ParseDeliveryMode(s string) (DeliveryMode, bool) {
	switch s {
	case "ack", "acknowledged", "":
		return Acknowledged, true
	case "noack", "no-ack", "fire-and-forget", "fireandforget":
		return FireAndForget, true
	default:
		return Acknowledged, false
	}
}

// OffsetResetPolicy decides where the consumer goes when its position is
// no longer retrievable from the broker.
type OffsetResetPolicy int

const (
	// ResetToTail skips everything between the stale position and the
	// current tail. This is the default: the consumer keeps running at
	// the cost of the unread backlog.
	ResetToTail OffsetResetPolicy = iota
	// ResetToEarliest rewinds to the oldest retained record
	ResetToEarliest
)

func (p OffsetResetPolicy) String() string {
	if p == ResetToEarliest {
		return "earliest"
	}
	return "tail"
}

// TopicPartition represents a topic and partition pair
type TopicPartition struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Subscription identifies what a Consumer reads and where it starts
type Subscription struct {
	Topic     string
	Partition int32
	Group     string
	// From is an absolute offset or one of OffsetLatest, OffsetEarliest, OffsetCommitted
	From int64
}

// HealthStatus represents health check status
type HealthStatus string

const (
	// HealthStatusUp indicates the service is healthy
	HealthStatusUp HealthStatus = "UP"
	// HealthStatusDown indicates the service is unhealthy
	HealthStatusDown HealthStatus = "DOWN"
)

// HealthResult represents health check result
type HealthResult struct {
	Status  HealthStatus           `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
	Error   error                  `json:"error,omitempty"`
}

// LogLevel represents logging level
type LogLevel int

const (
	// LogLevelNone - No logging
	LogLevelNone LogLevel = 0
	// LogLevelError - Error level
	LogLevelError LogLevel = 1
	// LogLevelWarn - Warning level
	LogLevelWarn LogLevel = 2
	// LogLevelInfo - Info level
	LogLevelInfo LogLevel = 3
	// LogLevelDebug - Debug level
	LogLevelDebug LogLevel = 4
)

func (l LogLevel) tag() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "NONE"
	}
}

// Handler types

// MessageHandler handles a single message. Returned errors are logged by
// the dispatcher and never stop consumption.
type MessageHandler func(ctx context.Context, msg *Message) error

// ErrorHandler observes handler failures
type ErrorHandler func(err error, msg *Message)

// StringMessages wraps each value in a Message
func StringMessages(values ...string) []*Message {
	msgs := make([]*Message, len(values))
	for i, v := range values {
		msgs[i] = &Message{Value: []byte(v)}
	}
	return msgs
}

// Publisher interface defines the producer API
type Publisher interface {
	// Publish sends a single message
	Publish(ctx context.Context, value []byte, key []byte) (Receipt, error)

	// PublishBatch sends messages in one round trip, all or nothing
	PublishBatch(ctx context.Context, msgs []*Message) ([]Receipt, error)

	// PublishStream sends messages in sequential batches and returns how many landed
	PublishStream(ctx context.Context, msgs []*Message, batchSize int) int

	// Close flushes and disconnects
	Close() error
}

// Subscriber interface defines the consumer API
type Subscriber interface {
	// Handle registers a handler; handlers run in registration order
	Handle(handler MessageHandler)

	// Subscribe opens the session and starts dispatching
	Subscribe(ctx context.Context, sub Subscription) error

	// Commit stores the current position for the group
	Commit(ctx context.Context) error

	// Cursor returns the current position
	Cursor() OffsetCursor

	// Close stops consuming and disconnects
	Close(ctx context.Context) error
}
