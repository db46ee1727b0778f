package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ConnState is the lifecycle state of a Connection
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// transport is what a Connection needs from a broker session
type transport interface {
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc opens a transport. It must honor ctx cancellation.
type DialFunc[T transport] func(ctx context.Context) (T, error)

type connectResult[T transport] struct {
	t   T
	err error
}

// Connection tracks one broker session through
// Disconnected -> Connecting -> Ready -> {Error, Disconnected}.
//
// A Connection can be reconnected after Disconnect, but the previous
// transport is never reused.
type Connection[T transport] struct {
	endpoint string
	timeout  time.Duration
	logger   Logger

	mu        sync.Mutex
	state     ConnState
	transport T
	attached  bool
	lastErr   error
	// gen changes on every Connect and Disconnect; results of an older generation are discarded
	gen uint64
}

// NewConnection creates a disconnected Connection
func NewConnection[T transport](endpoint string, timeout time.Duration, logger Logger) *Connection[T] {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &Connection[T]{
		endpoint: endpoint,
		timeout:  timeout,
		logger:   logger,
	}
}

// Connect dials and probes the broker. It returns nil once the transport is
// ready, or a *ConnectionError when the broker is unreachable or does not
// answer within the connection timeout. Connect on a ready connection is a no-op.
func (c *Connection[T]) Connect(ctx context.Context, dial DialFunc[T]) error {
	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return &ConnectionError{Endpoint: c.endpoint, Err: errors.New("connect already in progress")}
	}
	c.state = StateConnecting
	c.lastErr = nil
	c.gen++
	gen := c.gen
	// A transport left behind by MarkError is never reused
	stale, hadStale := c.transport, c.attached
	var zero T
	c.transport = zero
	c.attached = false
	c.mu.Unlock()

	if hadStale {
		_ = stale.Close()
	}

	c.logger.Info("Connecting to Kafka: %s", c.endpoint)

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// One-shot completion signal for this call
	result := make(chan connectResult[T], 1)
	go func() {
		t, err := dial(dialCtx)
		if err == nil {
			if perr := t.Ping(dialCtx); perr != nil {
				_ = t.Close()
				err = perr
			}
		}
		result <- connectResult[T]{t: t, err: err}
	}()

	select {
	case r := <-result:
		return c.finish(ctx, gen, r)
	case <-dialCtx.Done():
		// Release a transport that becomes ready after we gave up
		go func() {
			if r := <-result; r.err == nil {
				_ = r.t.Close()
			}
		}()
		return c.finish(ctx, gen, connectResult[T]{err: dialCtx.Err()})
	}
}

func (c *Connection[T]) finish(ctx context.Context, gen uint64, r connectResult[T]) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		// Disconnect ran while we were dialing
		if r.err == nil {
			_ = r.t.Close()
		}
		return &ConnectionError{Endpoint: c.endpoint, Err: ErrNotConnected}
	}

	if r.err != nil {
		err := r.err
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %v: %v", ErrConnectTimeout, c.timeout, err)
		}
		c.state = StateError
		c.lastErr = err
		c.logger.Error("Connection to %s failed: %v", c.endpoint, err)
		return &ConnectionError{Endpoint: c.endpoint, Err: err}
	}

	c.transport = r.t
	c.attached = true
	c.state = StateReady
	c.logger.Info("Connected to Kafka: %s", c.endpoint)
	return nil
}

// Disconnect releases the transport. It is safe from any state and may be
// called any number of times.
func (c *Connection[T]) Disconnect() error {
	c.mu.Lock()
	c.gen++
	t, attached := c.transport, c.attached
	var zero T
	c.transport = zero
	c.attached = false
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if !attached {
		return nil
	}
	if err := t.Close(); err != nil {
		c.logger.Warn("Closing transport to %s (state %s): %v", c.endpoint, prev, err)
		return fmt.Errorf("close transport: %w", err)
	}
	c.logger.Info("Disconnected from Kafka: %s", c.endpoint)
	return nil
}

// MarkError moves a ready connection to StateError. The transport stays
// attached until Disconnect.
func (c *Connection[T]) MarkError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return
	}
	c.state = StateError
	c.lastErr = err
	c.logger.Error("Connection to %s failed: %v", c.endpoint, err)
}

// Transport returns the ready transport or ErrNotConnected
func (c *Connection[T]) Transport() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		var zero T
		if c.lastErr != nil {
			return zero, fmt.Errorf("%w: %v", ErrNotConnected, c.lastErr)
		}
		return zero, ErrNotConnected
	}
	return c.transport, nil
}

// State returns the current state
func (c *Connection[T]) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the connection is usable
func (c *Connection[T]) Ready() bool {
	return c.State() == StateReady
}

// Err returns the error that moved the connection to StateError, if any
func (c *Connection[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Endpoint returns the broker list this connection dials
func (c *Connection[T]) Endpoint() string {
	return c.endpoint
}
