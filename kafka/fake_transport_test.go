package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeBroker is an in-memory single-partition log shared by the fake
// producer and consumer transports.
type fakeBroker struct {
	mu   sync.Mutex
	low  int64
	log  []*Message
	tail int64

	ackDelay time.Duration
	// reject, when set, is consulted once per Produce call (1-based)
	reject func(call int, msgs []*Message) error

	produceCalls int
	inflight     int
	maxInflight  int

	committed map[string]int64
	commits   int

	// injectOutOfRange makes the next Poll report a stale position
	injectOutOfRange bool
	// reportOutOfRangeOnce stops fetching after the first out-of-range
	// report until the consumer seeks, as librdkafka does
	reportOutOfRangeOnce bool

	watermarkFailures int
	seekFailures      int
	watermarkCalls    int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{committed: make(map[string]int64)}
}

func (b *fakeBroker) appendValues(topic string, values ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range values {
		b.appendLocked(&Message{Topic: topic, Partition: DefaultPartition, Value: []byte(v)})
	}
}

func (b *fakeBroker) appendLocked(msg *Message) Receipt {
	m := *msg
	m.Offset = b.tail
	b.log = append(b.log, &m)
	b.tail++
	return Receipt{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
}

// truncate drops every record below low, as retention would
func (b *fakeBroker) truncate(low int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if low > b.tail {
		low = b.tail
	}
	drop := int(low - b.low)
	if drop > 0 {
		b.log = b.log[drop:]
		b.low = low
	}
}

func (b *fakeBroker) values() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.log))
	for i, m := range b.log {
		out[i] = string(m.Value)
	}
	return out
}

func (b *fakeBroker) watermarks() (int64, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.low, b.tail
}

func (b *fakeBroker) committedOffset(group string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off, ok := b.committed[group]
	return off, ok
}

func (b *fakeBroker) commitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

func (b *fakeBroker) stats() (calls, maxInflight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.produceCalls, b.maxInflight
}

// failRecovery makes the next n Watermarks and m Seek calls fail
func (b *fakeBroker) failRecovery(watermarks, seeks int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watermarkFailures = watermarks
	b.seekFailures = seeks
}

func (b *fakeBroker) watermarkCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watermarkCalls
}

func (b *fakeBroker) outOfRangeOnNextPoll() {
	b.mu.Lock()
	b.injectOutOfRange = true
	b.mu.Unlock()
}

// fakeDriver hands out transports bound to one fakeBroker
type fakeDriver struct {
	broker *fakeBroker

	dialErr   error
	dialDelay time.Duration
	pingErr   error
	closeErr  error

	dials     atomic.Int32
	mu        sync.Mutex
	producers []*fakeProducer
	consumers []*fakeConsumer
}

var _ Driver = (*fakeDriver)(nil)

func newFakeDriver() *fakeDriver {
	return &fakeDriver{broker: newFakeBroker()}
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) dial(ctx context.Context) error {
	d.dials.Add(1)
	if d.dialDelay > 0 {
		timer := time.NewTimer(d.dialDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return d.dialErr
}

func (d *fakeDriver) DialProducer(ctx context.Context, cfg *ProducerConfig) (ProducerTransport, error) {
	if err := d.dial(ctx); err != nil {
		return nil, err
	}
	p := &fakeProducer{broker: d.broker, pingErr: d.pingErr, closeErr: d.closeErr}
	d.mu.Lock()
	d.producers = append(d.producers, p)
	d.mu.Unlock()
	return p, nil
}

func (d *fakeDriver) DialConsumer(ctx context.Context, cfg *ConsumerConfig) (ConsumerTransport, error) {
	if err := d.dial(ctx); err != nil {
		return nil, err
	}
	c := &fakeConsumer{broker: d.broker, group: cfg.GroupID, pingErr: d.pingErr, closeErr: d.closeErr, pos: OffsetUnknown}
	d.mu.Lock()
	d.consumers = append(d.consumers, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDriver) lastProducer() *fakeProducer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.producers) == 0 {
		return nil
	}
	return d.producers[len(d.producers)-1]
}

func (d *fakeDriver) lastConsumer() *fakeConsumer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.consumers) == 0 {
		return nil
	}
	return d.consumers[len(d.consumers)-1]
}

type fakeProducer struct {
	broker     *fakeBroker
	pingErr    error
	closeErr   error
	handoffErr error
	closed     atomic.Bool
}

func (p *fakeProducer) Ping(ctx context.Context) error { return p.pingErr }

func (p *fakeProducer) Produce(msgs []*Message, done func([]Receipt, error)) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if p.handoffErr != nil {
		return p.handoffErr
	}

	b := p.broker
	b.mu.Lock()
	b.produceCalls++
	call := b.produceCalls
	var rejectErr error
	if b.reject != nil {
		rejectErr = b.reject(call, msgs)
	}
	b.inflight++
	if b.inflight > b.maxInflight {
		b.maxInflight = b.inflight
	}
	delay := b.ackDelay
	b.mu.Unlock()

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}

		b.mu.Lock()
		var receipts []Receipt
		if rejectErr == nil {
			receipts = make([]Receipt, len(msgs))
			for i, m := range msgs {
				receipts[i] = b.appendLocked(m)
			}
		}
		b.inflight--
		b.mu.Unlock()

		if done == nil {
			return
		}
		if rejectErr != nil {
			done(nil, rejectErr)
			return
		}
		done(receipts, nil)
	}()
	return nil
}

func (p *fakeProducer) Flush(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for {
		p.broker.mu.Lock()
		n := p.broker.inflight
		p.broker.mu.Unlock()
		if n == 0 || time.Now().After(deadline) {
			return n
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *fakeProducer) Close() error {
	p.closed.Store(true)
	return p.closeErr
}

type fakeConsumer struct {
	broker   *fakeBroker
	group    string
	pingErr  error
	closeErr error
	closed   atomic.Bool

	mu       sync.Mutex
	topic    string
	pos      int64
	assigned bool
	seeks    []int64
	// stale is set once an out-of-range position was reported
	stale bool
}

func (c *fakeConsumer) Ping(ctx context.Context) error { return c.pingErr }

func (c *fakeConsumer) Assign(tp TopicPartition) error {
	b := c.broker
	b.mu.Lock()
	low, tail := b.low, b.tail
	committed, hasCommitted := b.committed[c.group]
	b.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic = tp.Topic
	c.assigned = true
	switch tp.Offset {
	case OffsetLatest:
		c.pos = tail
	case OffsetEarliest:
		c.pos = low
	case OffsetCommitted:
		if hasCommitted {
			c.pos = committed
		} else {
			c.pos = tail
		}
	default:
		c.pos = tp.Offset
	}
	return nil
}

func (c *fakeConsumer) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: consumer closed", ErrTransportFatal)
	}

	c.mu.Lock()
	pos := c.pos
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	if b.injectOutOfRange {
		b.injectOutOfRange = false
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: offset %d", ErrOffsetOutOfRange, pos)
	}
	if pos < b.low || pos > b.tail {
		once, low, tail := b.reportOutOfRangeOnce, b.low, b.tail
		b.mu.Unlock()

		c.mu.Lock()
		reported := c.stale
		c.stale = true
		c.mu.Unlock()
		if once && reported {
			return idle(ctx, timeout)
		}
		return nil, fmt.Errorf("%w: offset %d not in [%d, %d]", ErrOffsetOutOfRange, pos, low, tail)
	}
	if pos < b.tail {
		m := *b.log[pos-b.low]
		b.mu.Unlock()

		c.mu.Lock()
		if c.pos == pos {
			c.pos = pos + 1
		}
		c.mu.Unlock()
		return &m, nil
	}
	b.mu.Unlock()
	return idle(ctx, timeout)
}

func idle(ctx context.Context, timeout time.Duration) (*Message, error) {
	wait := min(timeout, 2*time.Millisecond)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}
	return nil, nil
}

func (c *fakeConsumer) Seek(tp TopicPartition) error {
	b := c.broker
	b.mu.Lock()
	if b.seekFailures > 0 {
		b.seekFailures--
		b.mu.Unlock()
		return errors.New("seek: broker unavailable")
	}
	b.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = tp.Offset
	c.stale = false
	c.seeks = append(c.seeks, tp.Offset)
	return nil
}

func (c *fakeConsumer) seekHistory() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.seeks...)
}

func (c *fakeConsumer) Watermarks(ctx context.Context, topic string, partition int32) (int64, int64, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watermarkCalls++
	if b.watermarkFailures > 0 {
		b.watermarkFailures--
		return 0, 0, errors.New("list offsets: request timed out")
	}
	return b.low, b.tail, nil
}

func (c *fakeConsumer) Commit(ctx context.Context, tp TopicPartition) error {
	if c.closed.Load() {
		return errors.New("commit on closed consumer")
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed[c.group] = tp.Offset
	b.commits++
	return nil
}

func (c *fakeConsumer) Close() error {
	c.closed.Store(true)
	return c.closeErr
}
