package kafka

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Verify Producer implements Publisher interface
var _ Publisher = (*Producer)(nil)

// Producer publishes to one topic with a delivery mode fixed at construction.
type Producer struct {
	conn    *Connection[ProducerTransport]
	driver  Driver
	config  *ProducerConfig
	mode    DeliveryMode
	tracer  *TracingService
	metrics *Metrics
	logger  Logger
}

type deliveryResult struct {
	receipts []Receipt
	err      error
}

// NewProducer creates a disconnected producer. Call Connect before publishing.
func NewProducer(opts ...ProducerOption) (*Producer, error) {
	config := newDefaultProducerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}

	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	if config.Mode != Acknowledged && config.Mode != FireAndForget {
		return nil, fmt.Errorf("invalid delivery mode: %d", config.Mode)
	}

	driver, err := resolveDriver(config.transport, config.Driver)
	if err != nil {
		return nil, err
	}

	logger := loggerOrDefault(config.Logger, config.LogLevel)

	return &Producer{
		conn:    NewConnection[ProducerTransport](strings.Join(config.Brokers, ","), config.ConnectionTimeout, logger),
		driver:  driver,
		config:  config,
		mode:    config.Mode,
		tracer:  newTracer(config.Tracing),
		metrics: config.Metrics,
		logger:  logger,
	}, nil
}

// Connect opens the broker session and returns once it is ready
func (p *Producer) Connect(ctx context.Context) error {
	err := p.conn.Connect(ctx, func(ctx context.Context) (ProducerTransport, error) {
		return p.driver.DialProducer(ctx, p.config)
	})
	p.metrics.setReady("producer", err == nil)
	if err != nil {
		return err
	}
	p.logger.Info("Producer connected (%s mode, topic %s)", p.mode, p.config.Topic)
	return nil
}

// Publish sends one message to the producer's topic.
//
// In Acknowledged mode it returns after the partition leader accepted the
// record, or a *PublishError wrapping ErrAckTimeout once the ack timeout
// elapsed. In FireAndForget mode it returns as soon as the transport took
// the record and the receipt's Offset is OffsetUnknown.
func (p *Producer) Publish(ctx context.Context, value []byte, key []byte) (Receipt, error) {
	msg := &Message{
		Topic:     p.config.Topic,
		Partition: DefaultPartition,
		Key:       key,
		Value:     value,
	}

	receipts, err := p.send(ctx, []*Message{msg})
	if err != nil {
		return Receipt{}, err
	}
	if len(receipts) == 0 {
		return unknownReceipts([]*Message{msg})[0], nil
	}
	return receipts[0], nil
}

// PublishBatch sends msgs in one transport call. The batch succeeds or fails
// as a unit: after an error no record may be assumed to have landed.
// Messages without a topic go to the producer's topic.
func (p *Producer) PublishBatch(ctx context.Context, msgs []*Message) ([]Receipt, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	batch := make([]*Message, len(msgs))
	for i, msg := range msgs {
		m := *msg
		m.Headers = maps.Clone(msg.Headers)
		if m.Topic == "" {
			m.Topic = p.config.Topic
		}
		m.Partition = DefaultPartition
		batch[i] = &m
	}

	return p.send(ctx, batch)
}

// PublishStream splits msgs into chunks of batchSize and publishes them one
// after another, never with more than one batch in flight. A failed batch is
// logged and skipped. It returns how many messages were published.
func (p *Producer) PublishStream(ctx context.Context, msgs []*Message, batchSize int) int {
	if batchSize <= 0 {
		batchSize = p.config.StreamBatchSize
	}
	if batchSize <= 0 {
		batchSize = DefaultStreamBatchSize
	}

	published := 0
	failed := 0
	for start := 0; start < len(msgs); start += batchSize {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("Stream publishing stopped at message %d: %v", start, err)
			break
		}

		end := min(start+batchSize, len(msgs))
		if _, err := p.PublishBatch(ctx, msgs[start:end]); err != nil {
			failed++
			p.logger.Warn("Stream batch [%d, %d) failed, continuing: %v", start, end, err)
			continue
		}
		published += end - start
	}

	p.logger.Info("Stream published %d/%d messages (%s mode, %d failed batches)", published, len(msgs), p.mode, failed)
	return published
}

// Flush waits up to timeout for records still held by the transport
func (p *Producer) Flush(timeout time.Duration) error {
	t, err := p.conn.Transport()
	if err != nil {
		return err
	}
	if remaining := t.Flush(timeout); remaining > 0 {
		return fmt.Errorf("%d messages still in queue after flush", remaining)
	}
	return nil
}

// Close flushes in-flight records for up to the flush timeout and releases
// the connection. FireAndForget records still in flight afterwards are lost.
// Close is idempotent; Connect may be called again afterwards.
func (p *Producer) Close() error {
	if p.conn.Ready() {
		if err := p.Flush(p.config.FlushTimeout); err != nil {
			p.logger.Warn("Producer close: %v", err)
		}
	}
	defer p.metrics.setReady("producer", false)
	return p.conn.Disconnect()
}

// Ready reports whether the producer is connected
func (p *Producer) Ready() bool {
	return p.conn.Ready()
}

// State returns the connection state
func (p *Producer) State() ConnState {
	return p.conn.State()
}

// Mode returns the producer's delivery mode
func (p *Producer) Mode() DeliveryMode {
	return p.mode
}

// Topic returns the topic Publish writes to
func (p *Producer) Topic() string {
	return p.config.Topic
}

// send hands msgs to the transport and settles them according to the delivery mode
func (p *Producer) send(ctx context.Context, msgs []*Message) (receipts []Receipt, err error) {
	topic := msgs[0].Topic

	t, err := p.conn.Transport()
	if err != nil {
		p.metrics.incPublishError(topic, p.mode, "connection")
		return nil, &PublishError{Topic: topic, Count: len(msgs), Err: err}
	}

	started := time.Now()

	if p.tracer != nil {
		var endSpan func(error)
		ctx, endSpan = p.tracer.StartProducerSpan(ctx, topic, p.mode, msgs)
		defer func() { endSpan(err) }()
	}

	if p.mode == FireAndForget {
		err = t.Produce(msgs, func(_ []Receipt, err error) {
			if err != nil {
				p.metrics.incPublishError(topic, p.mode, "delivery")
				p.logger.Warn("Fire-and-forget delivery of %d messages to %s failed: %v", len(msgs), topic, err)
			}
		})
		if err != nil {
			return nil, p.handoffFailed(topic, len(msgs), err)
		}
		p.metrics.observePublish(topic, p.mode, len(msgs), started)
		p.logger.Debug("Handed %d messages to transport for %s (fire & forget)", len(msgs), topic)
		return unknownReceipts(msgs), nil
	}

	done := make(chan deliveryResult, 1)
	err = t.Produce(msgs, func(r []Receipt, err error) {
		done <- deliveryResult{receipts: r, err: err}
	})
	if err != nil {
		return nil, p.handoffFailed(topic, len(msgs), err)
	}

	timeout := p.config.ackTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			p.metrics.incPublishError(topic, p.mode, "ack")
			p.logger.Error("Error publishing %d messages to %s: %v", len(msgs), topic, res.err)
			return nil, &PublishError{Topic: topic, Count: len(msgs), Err: res.err}
		}
		p.metrics.observePublish(topic, p.mode, len(msgs), started)
		p.logger.Debug("Published %d messages to %s (ACK received)", len(msgs), topic)
		return res.receipts, nil
	case <-timer.C:
		p.metrics.incPublishError(topic, p.mode, "ack_timeout")
		p.logger.Error("No ACK for %d messages to %s within %v", len(msgs), topic, timeout)
		return nil, &PublishError{Topic: topic, Count: len(msgs), Err: fmt.Errorf("%w after %v", ErrAckTimeout, timeout)}
	case <-ctx.Done():
		p.metrics.incPublishError(topic, p.mode, "canceled")
		return nil, &PublishError{Topic: topic, Count: len(msgs), Err: ctx.Err()}
	}
}

func (p *Producer) handoffFailed(topic string, n int, err error) error {
	p.metrics.incPublishError(topic, p.mode, "handoff")
	if errors.Is(err, ErrTransportFatal) {
		p.conn.MarkError(err)
	}
	p.logger.Error("Failed to hand %d messages to transport for %s: %v", n, topic, err)
	return &PublishError{Topic: topic, Count: n, Err: err}
}

func unknownReceipts(msgs []*Message) []Receipt {
	receipts := make([]Receipt, len(msgs))
	for i, msg := range msgs {
		receipts[i] = Receipt{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    OffsetUnknown,
		}
	}
	return receipts
}
