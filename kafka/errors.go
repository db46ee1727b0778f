package kafka

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations on a connection that is not ready
	ErrNotConnected = errors.New("kafka: not connected")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("kafka: closed")
	// ErrConnectTimeout is wrapped by ConnectionError when the broker does not become ready in time
	ErrConnectTimeout = errors.New("kafka: connect timeout")
	// ErrAckTimeout is wrapped by PublishError when the leader ack does not arrive in time
	ErrAckTimeout = errors.New("kafka: ack timeout")
	// ErrOffsetOutOfRange is reported by transports when the requested position is gone.
	// The consumer recovers from it internally.
	ErrOffsetOutOfRange = errors.New("kafka: offset out of range")
	// ErrAlreadySubscribed is returned by a second Subscribe on the same consumer
	ErrAlreadySubscribed = errors.New("kafka: consumer already subscribed")
	// ErrUnknownDriver is returned when no transport driver is registered under a name
	ErrUnknownDriver = errors.New("kafka: unknown driver")
	// ErrTransportFatal is wrapped by transports when the session cannot be used anymore
	ErrTransportFatal = errors.New("kafka: fatal transport error")
)

// ConnectionError reports a broker that could not be reached at connect time
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("kafka: connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError reports an ack timeout or a broker rejection.
// Count is the number of records in the failed call; none of them may be
// assumed to have landed.
type PublishError struct {
	Topic string
	Count int
	Err   error
}

func (e *PublishError) Error() string {
	if e.Count > 1 {
		return fmt.Sprintf("kafka: publish %d messages to %s: %v", e.Count, e.Topic, e.Err)
	}
	return fmt.Sprintf("kafka: publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConsumeError reports a subscription that could not be set up
type ConsumeError struct {
	Topic     string
	Partition int32
	Group     string
	Err       error
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("kafka: subscribe %s[%d] group %q: %v", e.Topic, e.Partition, e.Group, e.Err)
}

func (e *ConsumeError) Unwrap() error { return e.Err }

// HandlerError wraps a failure of one registered handler.
// It is logged by the dispatcher and never propagated to the consume loop.
type HandlerError struct {
	Index  int
	Topic  string
	Offset int64
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("kafka: handler #%d failed on %s@%d: %v", e.Index, e.Topic, e.Offset, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
