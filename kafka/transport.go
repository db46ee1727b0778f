package kafka

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registered driver names
const (
	DriverConfluent = "confluent"
	DriverFranz     = "franz"
)

// ProducerTransport is a broker session that appends records.
type ProducerTransport interface {
	// Ping returns once the broker answers a metadata request
	Ping(ctx context.Context) error

	// Produce hands msgs to the transport. A non-nil error means nothing was
	// handed off and done is never called. Otherwise done, if not nil, is
	// called exactly once after the broker settled every record of the call.
	Produce(msgs []*Message, done func(receipts []Receipt, err error)) error

	// Flush waits up to timeout for outstanding records and returns how many remain
	Flush(timeout time.Duration) int

	Close() error
}

// ConsumerTransport is a broker session reading one assigned partition.
type ConsumerTransport interface {
	// Ping returns once the broker answers a metadata request
	Ping(ctx context.Context) error

	// Assign starts fetching tp at tp.Offset (absolute or logical)
	Assign(tp TopicPartition) error

	// Poll waits up to timeout for the next record. It returns (nil, nil)
	// when nothing arrived and an error wrapping ErrOffsetOutOfRange when
	// the current position is no longer retrievable.
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)

	// Seek moves the fetch position of an assigned partition
	Seek(tp TopicPartition) error

	// Watermarks returns the oldest retained offset and the tail (next offset to be written)
	Watermarks(ctx context.Context, topic string, partition int32) (low, high int64, err error)

	// Commit stores tp.Offset as the group's next offset to read
	Commit(ctx context.Context, tp TopicPartition) error

	Close() error
}

// Driver opens transports for one client library.
type Driver interface {
	Name() string
	DialProducer(ctx context.Context, cfg *ProducerConfig) (ProducerTransport, error)
	DialConsumer(ctx context.Context, cfg *ConsumerConfig) (ConsumerTransport, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// RegisterDriver makes d available by name. Registering a name twice replaces the first.
func RegisterDriver(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[d.Name()] = d
}

// Drivers returns the registered driver names, sorted
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupDriver(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return d, nil
}

func resolveDriver(injected Driver, name string) (Driver, error) {
	if injected != nil {
		return injected, nil
	}
	if name == "" {
		name = DefaultDriver
	}
	return lookupDriver(name)
}

// timeoutMs converts the time left before ctx's deadline, capped at max,
// into the millisecond timeouts librdkafka calls take.
func timeoutMs(ctx context.Context, max time.Duration) int {
	timeout := max
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return 1
	}
	return int(timeout.Milliseconds())
}
