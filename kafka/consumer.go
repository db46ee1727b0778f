package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Verify Consumer implements Subscriber interface
var _ Subscriber = (*Consumer)(nil)

// Consumer reads one partition for one group and pushes every record
// through its Dispatcher.
type Consumer struct {
	conn       *Connection[ConsumerTransport]
	driver     Driver
	config     *ConsumerConfig
	dispatcher *Dispatcher
	tracer     *TracingService
	metrics    *Metrics
	logger     Logger

	// State - using atomic for the subscribe/close guards
	subscribed int32 // atomic: 0=idle, 1=subscribed
	closed     int32 // atomic: 0=open, 1=closed

	mu     sync.Mutex
	cursor *cursor
	cancel context.CancelFunc
	wg     sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

// NewConsumer creates a consumer. Register handlers with Handle, then call
// Subscribe or Start.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	config := newDefaultConsumerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}

	driver, err := resolveDriver(config.transport, config.Driver)
	if err != nil {
		return nil, err
	}

	logger := loggerOrDefault(config.Logger, config.LogLevel)

	return &Consumer{
		conn:       NewConnection[ConsumerTransport](strings.Join(config.Brokers, ","), config.ConnectionTimeout, logger),
		driver:     driver,
		config:     config,
		dispatcher: NewDispatcher(logger, config.Metrics, config.ErrorHandler),
		tracer:     newTracer(config.Tracing),
		metrics:    config.Metrics,
		logger:     logger,
		done:       make(chan struct{}),
	}, nil
}

// Handle registers a handler. Handlers run in registration order and
// cannot be removed.
func (c *Consumer) Handle(handler MessageHandler) {
	c.dispatcher.Register(handler)
}

// Start subscribes with the configured topic, group and start offset
func (c *Consumer) Start(ctx context.Context) error {
	return c.Subscribe(ctx, Subscription{
		Topic:     c.config.Topic,
		Partition: DefaultPartition,
		Group:     c.config.GroupID,
		From:      c.config.From,
	})
}

// Subscribe connects, assigns sub and starts dispatching in the background.
// An empty Topic or Group falls back to the configured one. A consumer
// subscribes at most once; a failed Subscribe may be retried.
func (c *Consumer) Subscribe(ctx context.Context, sub Subscription) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}

	if sub.Topic == "" {
		sub.Topic = c.config.Topic
	}
	if sub.Group == "" {
		sub.Group = c.config.GroupID
	}

	if !atomic.CompareAndSwapInt32(&c.subscribed, 0, 1) {
		return &ConsumeError{Topic: sub.Topic, Partition: sub.Partition, Group: sub.Group, Err: ErrAlreadySubscribed}
	}

	if err := c.subscribe(ctx, sub); err != nil {
		atomic.StoreInt32(&c.subscribed, 0)
		c.logger.Error("Failed to subscribe to %s[%d]: %v", sub.Topic, sub.Partition, err)
		return &ConsumeError{Topic: sub.Topic, Partition: sub.Partition, Group: sub.Group, Err: err}
	}
	return nil
}

func (c *Consumer) subscribe(ctx context.Context, sub Subscription) error {
	if sub.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if sub.Group == "" {
		return fmt.Errorf("group ID is required")
	}
	if sub.Partition < 0 {
		return fmt.Errorf("invalid partition %d", sub.Partition)
	}

	cfg := *c.config
	cfg.Topic = sub.Topic
	cfg.GroupID = sub.Group

	err := c.conn.Connect(ctx, func(ctx context.Context) (ConsumerTransport, error) {
		return c.driver.DialConsumer(ctx, &cfg)
	})
	if err != nil {
		return err
	}

	t, err := c.conn.Transport()
	if err != nil {
		return err
	}

	if err := t.Assign(TopicPartition{Topic: sub.Topic, Partition: sub.Partition, Offset: sub.From}); err != nil {
		_ = c.conn.Disconnect()
		return fmt.Errorf("assign %s[%d]: %w", sub.Topic, sub.Partition, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.cursor = newCursor(sub)
	c.cancel = cancel
	c.mu.Unlock()

	c.metrics.setReady("consumer", true)
	c.logger.Info("Consumer subscribed to %s[%d] as group %s from %s", sub.Topic, sub.Partition, sub.Group, describeOffset(sub.From))

	c.wg.Add(1)
	go c.run(loopCtx, t)

	if c.config.AutoCommit && c.config.AutoCommitInterval > 0 {
		c.wg.Add(1)
		go c.commitLoop(loopCtx)
	}
	return nil
}

// run polls until ctx is canceled or the transport fails fatally.
// Once the transport reports an out-of-range position, polling pauses
// until the repositioning succeeds; some transports report it only once.
func (c *Consumer) run(ctx context.Context, t ConsumerTransport) {
	defer c.wg.Done()
	defer c.closeDone()

	recovering := false
	for {
		if ctx.Err() != nil {
			return
		}

		if recovering {
			if err := c.recoverOffset(ctx, t); err != nil {
				if errors.Is(err, ErrTransportFatal) {
					c.stopFatal(err)
					return
				}
				c.logger.Error("Offset recovery failed, retrying in %s: %v", c.config.OffsetRecoveryDelay, err)
				sleepCtx(ctx, c.config.OffsetRecoveryDelay)
				continue
			}
			recovering = false
		}

		msg, err := t.Poll(ctx, c.config.PollTimeout)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, ErrOffsetOutOfRange):
				pos := c.Cursor()
				c.logger.Warn("Offset %d out of range for %s[%d], resetting to %s: %v",
					pos.Position, pos.Topic, pos.Partition, c.config.OffsetReset, err)
				recovering = true
			case errors.Is(err, ErrTransportFatal):
				c.stopFatal(err)
				return
			default:
				c.logger.Warn("Error reading message: %v", err)
			}
			continue
		}
		if msg == nil {
			continue
		}

		c.process(ctx, msg)
	}
}

func (c *Consumer) stopFatal(err error) {
	c.conn.MarkError(err)
	c.metrics.setReady("consumer", false)
	c.logger.Error("Consumer stopped: %v", err)
}

// process advances the cursor and dispatches msg to every handler
func (c *Consumer) process(ctx context.Context, msg *Message) {
	cur := c.currentCursor()
	group := cur.snapshot().Group
	msg.ReceivedAt = time.Now()
	if cur.advance(msg.Offset) {
		c.metrics.setPosition(msg.Topic, group, msg.Offset+1)
	}
	c.metrics.incConsumed(msg.Topic, group)

	var endSpan func(error)
	if c.tracer != nil {
		ctx, endSpan = c.tracer.StartConsumerSpan(ctx, group, msg)
	}

	failed := c.dispatcher.Dispatch(ctx, msg)

	if endSpan != nil {
		var err error
		if failed > 0 {
			err = fmt.Errorf("%d of %d handlers failed", failed, c.dispatcher.Len())
		}
		endSpan(err)
	}
}

// recoverOffset moves the cursor to the partition tail (or head, with
// ResetToEarliest) after the broker reported the position is gone.
// Records between the stale position and the tail are skipped.
func (c *Consumer) recoverOffset(ctx context.Context, t ConsumerTransport) error {
	cur := c.currentCursor()
	pos := cur.snapshot()
	policy := c.config.OffsetReset

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	low, high, err := t.Watermarks(reqCtx, pos.Topic, pos.Partition)
	cancel()
	if err != nil {
		return fmt.Errorf("query offsets for %s[%d]: %w", pos.Topic, pos.Partition, err)
	}

	target := high
	if policy == ResetToEarliest {
		target = low
	}

	if err := t.Seek(TopicPartition{Topic: pos.Topic, Partition: pos.Partition, Offset: target}); err != nil {
		return fmt.Errorf("seek %s[%d] to %d: %w", pos.Topic, pos.Partition, target, err)
	}

	prev := cur.reset(target)
	c.metrics.incOffsetReset(pos.Topic, pos.Group, policy)
	c.metrics.setPosition(pos.Topic, pos.Group, target)

	if prev >= 0 && target > prev {
		c.logger.Warn("Skipped %d messages on %s[%d] (offsets %d to %d)", target-prev, pos.Topic, pos.Partition, prev, target-1)
	}
	c.logger.Info("Consumer repositioned %s[%d] from %d to %d", pos.Topic, pos.Partition, prev, target)
	return nil
}

// commitLoop commits the cursor every AutoCommitInterval
func (c *Consumer) commitLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.AutoCommitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
			if err := c.Commit(reqCtx); err != nil && ctx.Err() == nil {
				c.logger.Warn("Auto commit failed: %v", err)
			}
			cancel()
		}
	}
}

// Commit stores the cursor position as the group's next offset to read.
// It is a no-op when nothing was read since the last commit.
func (c *Consumer) Commit(ctx context.Context) error {
	cur := c.currentCursor()
	if cur == nil {
		return ErrNotConnected
	}

	pos, ok := cur.pending()
	if !ok {
		return nil
	}

	t, err := c.conn.Transport()
	if err != nil {
		return err
	}

	if err := t.Commit(ctx, pos.TopicPartition()); err != nil {
		c.metrics.incCommitError(pos.Topic, pos.Group)
		return fmt.Errorf("commit %s[%d]@%d: %w", pos.Topic, pos.Partition, pos.Position, err)
	}

	cur.markCommitted(pos.Position)
	c.logger.Debug("Committed %s[%d]@%d for group %s", pos.Topic, pos.Partition, pos.Position, pos.Group)
	return nil
}

// Cursor returns the current position. Before Subscribe its Position is OffsetUnknown.
func (c *Consumer) Cursor() OffsetCursor {
	if cur := c.currentCursor(); cur != nil {
		return cur.snapshot()
	}
	return OffsetCursor{
		Topic:     c.config.Topic,
		Partition: DefaultPartition,
		Group:     c.config.GroupID,
		Position:  OffsetUnknown,
	}
}

// Committed returns the last position this consumer committed, or OffsetUnknown
func (c *Consumer) Committed() int64 {
	if cur := c.currentCursor(); cur != nil {
		return cur.lastCommitted()
	}
	return OffsetUnknown
}

// Lag returns how many records sit between the cursor and the partition tail
func (c *Consumer) Lag(ctx context.Context) (int64, error) {
	cur := c.currentCursor()
	if cur == nil {
		return 0, ErrNotConnected
	}
	t, err := c.conn.Transport()
	if err != nil {
		return 0, err
	}

	pos := cur.snapshot()
	low, high, err := t.Watermarks(ctx, pos.Topic, pos.Partition)
	if err != nil {
		return 0, fmt.Errorf("query offsets for %s[%d]: %w", pos.Topic, pos.Partition, err)
	}

	// Nothing read yet from a logical start offset
	if pos.Position < 0 {
		return 0, nil
	}

	from := pos.Position
	if from < low {
		from = low
	}
	if from >= high {
		return 0, nil
	}
	return high - from, nil
}

// Close stops the consume loop, commits the final position when auto commit
// is on and disconnects. It is idempotent and safe before Subscribe.
func (c *Consumer) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		stopped := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			c.logger.Warn("Consumer loop still running at close: %v", ctx.Err())
		}
	}
	c.closeDone()

	if c.config.AutoCommit && c.conn.Ready() {
		if err := c.Commit(ctx); err != nil {
			c.logger.Warn("Final commit failed: %v", err)
		}
	}

	defer c.metrics.setReady("consumer", false)
	return c.conn.Disconnect()
}

// Done is closed when the consume loop exits
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Ready reports whether the consumer is connected
func (c *Consumer) Ready() bool {
	return c.conn.Ready()
}

// State returns the connection state
func (c *Consumer) State() ConnState {
	return c.conn.State()
}

// Handlers returns the number of registered handlers
func (c *Consumer) Handlers() int {
	return c.dispatcher.Len()
}

func (c *Consumer) currentCursor() *cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Consumer) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func describeOffset(offset int64) string {
	switch offset {
	case OffsetLatest:
		return "latest"
	case OffsetEarliest:
		return "earliest"
	case OffsetCommitted:
		return "committed"
	default:
		return fmt.Sprintf("offset %d", offset)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
