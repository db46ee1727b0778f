package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

func init() {
	RegisterDriver(franzDriver{})
}

// franzDriver opens pure-Go franz-go sessions
type franzDriver struct{}

func (franzDriver) Name() string { return DriverFranz }

func franzProducerOpts(cfg *ProducerConfig) []kgo.Opt {
	opts := commonKgoOpts(cfg.Brokers, cfg.ClientID, cfg.ConnectionTimeout, cfg.SSL, cfg.SASL, loggerOrDefault(cfg.Logger, cfg.LogLevel), cfg.LogLevel)
	opts = append(opts,
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		// Idempotent writes require acks=all
		kgo.DisableIdempotentWrite(),
	)

	if cfg.Mode == FireAndForget {
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()))
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()))
	}

	// Records that miss the ack timeout fail instead of being retried.
	// kgo refuses record timeouts under 1s and request timeouts under 100ms.
	ack := cfg.ackTimeout()
	opts = append(opts,
		kgo.ProduceRequestTimeout(max(ack, 100*time.Millisecond)),
		kgo.RecordDeliveryTimeout(max(ack, time.Second)),
	)

	if codec, ok := kgoCompression(cfg.Compression); ok {
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}
	return opts
}

func (franzDriver) DialProducer(ctx context.Context, cfg *ProducerConfig) (ProducerTransport, error) {
	client, err := kgo.NewClient(franzProducerOpts(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}

	return &franzProducer{client: client}, nil
}

func (franzDriver) DialConsumer(ctx context.Context, cfg *ConsumerConfig) (ConsumerTransport, error) {
	opts := commonKgoOpts(cfg.Brokers, cfg.ClientID, cfg.ConnectionTimeout, cfg.SSL, cfg.SASL, loggerOrDefault(cfg.Logger, cfg.LogLevel), cfg.LogLevel)
	opts = append(opts,
		// Out-of-range positions surface as fetch errors and are recovered by the Consumer
		kgo.ConsumeResetOffset(kgo.NoResetOffset()),
	)

	if cfg.FetchMaxWait > 0 {
		opts = append(opts, kgo.FetchMaxWait(cfg.FetchMaxWait))
	}
	if cfg.FetchMinBytes > 0 {
		opts = append(opts, kgo.FetchMinBytes(int32(cfg.FetchMinBytes)))
	}
	if cfg.FetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(int32(cfg.FetchMaxBytes)))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}

	return &franzConsumer{
		client:         client,
		group:          cfg.GroupID,
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

func commonKgoOpts(brokers []string, clientID string, dialTimeout time.Duration, ssl bool, sasl *SASLConfig, logger Logger, level LogLevel) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.WithLogger(&kgoLogger{logger: logger, level: level}),
	}

	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}

	if dialTimeout > 0 {
		opts = append(opts, kgo.DialTimeout(dialTimeout))
	}

	if ssl {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}

	if sasl != nil {
		switch strings.ToUpper(sasl.Mechanism) {
		case "SCRAM-SHA-256":
			opts = append(opts, kgo.SASL(scram.Auth{User: sasl.Username, Pass: sasl.Password}.AsSha256Mechanism()))
		case "SCRAM-SHA-512":
			opts = append(opts, kgo.SASL(scram.Auth{User: sasl.Username, Pass: sasl.Password}.AsSha512Mechanism()))
		default:
			opts = append(opts, kgo.SASL(plain.Auth{User: sasl.Username, Pass: sasl.Password}.AsMechanism()))
		}
	}

	return opts
}

func kgoCompression(c Compression) (kgo.CompressionCodec, bool) {
	switch c {
	case CompressionGZIP:
		return kgo.GzipCompression(), true
	case CompressionSnappy:
		return kgo.SnappyCompression(), true
	case CompressionLZ4:
		return kgo.Lz4Compression(), true
	case CompressionZSTD:
		return kgo.ZstdCompression(), true
	default:
		return kgo.NoCompression(), false
	}
}

// kgoLogger forwards franz-go logs to a Logger. franz-go is chatty at
// info level, so its info lines are logged as debug.
type kgoLogger struct {
	logger Logger
	level  LogLevel
}

func (l *kgoLogger) Level() kgo.LogLevel {
	switch {
	case l.level >= LogLevelDebug:
		return kgo.LogLevelDebug
	case l.level >= LogLevelWarn:
		return kgo.LogLevelWarn
	case l.level >= LogLevelError:
		return kgo.LogLevelError
	default:
		return kgo.LogLevelNone
	}
}

func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	line := msg
	if len(keyvals) > 0 {
		line = fmt.Sprintf("%s %v", msg, keyvals)
	}
	switch level {
	case kgo.LogLevelError:
		l.logger.Error("franz-go: %s", line)
	case kgo.LogLevelWarn:
		l.logger.Warn("franz-go: %s", line)
	default:
		l.logger.Debug("franz-go: %s", line)
	}
}

// franzProducer implements ProducerTransport over *kgo.Client
type franzProducer struct {
	client *kgo.Client
	closed atomic.Bool
}

func (p *franzProducer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka: ping: %w", err)
	}
	return nil
}

func (p *franzProducer) Produce(msgs []*Message, done func([]Receipt, error)) error {
	if p.closed.Load() {
		return ErrClosed
	}

	batch := &pendingBatch{
		left:     len(msgs),
		receipts: make([]Receipt, len(msgs)),
		done:     done,
	}

	for i, msg := range msgs {
		p.client.Produce(context.Background(), buildRecord(msg), func(r *kgo.Record, err error) {
			batch.settle(i, r, err)
		})
	}
	return nil
}

func (p *franzProducer) Flush(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = p.client.Flush(ctx)
	return int(p.client.BufferedProduceRecords())
}

func (p *franzProducer) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.client.Close()
	}
	return nil
}

// pendingBatch settles one Produce call after its last record's promise
type pendingBatch struct {
	mu       sync.Mutex
	left     int
	receipts []Receipt
	err      error
	done     func([]Receipt, error)
}

func (b *pendingBatch) settle(i int, r *kgo.Record, err error) {
	b.mu.Lock()
	if err != nil {
		if b.err == nil {
			b.err = err
		}
	} else {
		b.receipts[i] = Receipt{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}
	}
	b.left--
	last := b.left == 0
	b.mu.Unlock()

	if !last || b.done == nil {
		return
	}
	if b.err != nil {
		b.done(nil, fmt.Errorf("delivery failed: %w", franzError(b.err)))
		return
	}
	b.done(b.receipts, nil)
}

func buildRecord(msg *Message) *kgo.Record {
	r := &kgo.Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	if len(msg.Headers) > 0 {
		r.Headers = make([]kgo.RecordHeader, 0, len(msg.Headers))
		for k, v := range msg.Headers {
			r.Headers = append(r.Headers, kgo.RecordHeader{Key: k, Value: v})
		}
	}
	return r
}

// franzConsumer implements ConsumerTransport over *kgo.Client using
// direct partition assignment. Offsets are committed to the group with
// raw OffsetCommit requests since the client never joins the group.
type franzConsumer struct {
	client         *kgo.Client
	group          string
	requestTimeout time.Duration

	mu       sync.Mutex
	buffered []*kgo.Record
}

func (c *franzConsumer) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka: ping: %w", err)
	}
	return nil
}

func (c *franzConsumer) Assign(tp TopicPartition) error {
	var offset kgo.Offset
	switch tp.Offset {
	case OffsetLatest:
		offset = kgo.NewOffset().AtEnd()
	case OffsetEarliest:
		offset = kgo.NewOffset().AtStart()
	case OffsetCommitted:
		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		committed, err := c.committed(ctx, tp.Topic, tp.Partition)
		cancel()
		if err != nil {
			return err
		}
		if committed < 0 {
			offset = kgo.NewOffset().AtEnd()
		} else {
			offset = kgo.NewOffset().At(committed)
		}
	default:
		offset = kgo.NewOffset().At(tp.Offset)
	}

	c.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{
		tp.Topic: {tp.Partition: offset},
	})
	return nil
}

func (c *franzConsumer) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	if r := c.next(); r != nil {
		return convertRecord(r), nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := c.client.PollFetches(pollCtx)
	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("%w: client closed", ErrTransportFatal)
	}

	records := fetches.Records()
	if len(records) > 0 {
		c.mu.Lock()
		c.buffered = append(c.buffered, records[1:]...)
		c.mu.Unlock()
		return convertRecord(records[0]), nil
	}

	for _, fe := range fetches.Errors() {
		switch {
		case errors.Is(fe.Err, context.DeadlineExceeded), errors.Is(fe.Err, context.Canceled):
			continue
		case errors.Is(fe.Err, kerr.OffsetOutOfRange):
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrOffsetOutOfRange, fe.Topic, fe.Partition, fe.Err)
		default:
			return nil, fmt.Errorf("kafka: poll fetches %s[%d]: %w", fe.Topic, fe.Partition, franzError(fe.Err))
		}
	}
	return nil, nil
}

func (c *franzConsumer) next() *kgo.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffered) == 0 {
		return nil
	}
	r := c.buffered[0]
	c.buffered = c.buffered[1:]
	return r
}

func (c *franzConsumer) Seek(tp TopicPartition) error {
	c.mu.Lock()
	c.buffered = nil
	c.mu.Unlock()

	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		tp.Topic: {tp.Partition: {Epoch: -1, Offset: tp.Offset}},
	})
	return nil
}

func (c *franzConsumer) Watermarks(ctx context.Context, topic string, partition int32) (int64, int64, error) {
	low, err := c.listOffset(ctx, topic, partition, -2)
	if err != nil {
		return 0, 0, err
	}
	high, err := c.listOffset(ctx, topic, partition, -1)
	if err != nil {
		return 0, 0, err
	}
	return low, high, nil
}

// listOffset asks the partition leader for the offset at timestamp
// (-2 for the oldest retained record, -1 for the tail)
func (c *franzConsumer) listOffset(ctx context.Context, topic string, partition int32, timestamp int64) (int64, error) {
	req := kmsg.NewPtrListOffsetsRequest()
	req.ReplicaID = -1

	rt := kmsg.NewListOffsetsRequestTopic()
	rt.Topic = topic
	rp := kmsg.NewListOffsetsRequestTopicPartition()
	rp.Partition = partition
	rp.Timestamp = timestamp
	rt.Partitions = append(rt.Partitions, rp)
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, c.client)
	if err != nil {
		return 0, fmt.Errorf("kafka: list offsets: %w", err)
	}

	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.Partition != partition {
				continue
			}
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return 0, fmt.Errorf("kafka: list offsets %s[%d]: %w", topic, partition, err)
			}
			return p.Offset, nil
		}
	}
	return 0, fmt.Errorf("kafka: list offsets: no result for %s[%d]", topic, partition)
}

// committed returns the group's committed offset, or -1 when there is none
func (c *franzConsumer) committed(ctx context.Context, topic string, partition int32) (int64, error) {
	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = c.group

	rt := kmsg.NewOffsetFetchRequestTopic()
	rt.Topic = topic
	rt.Partitions = []int32{partition}
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, c.client)
	if err != nil {
		return 0, fmt.Errorf("kafka: offset fetch: %w", err)
	}
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		return 0, fmt.Errorf("kafka: offset fetch: %w", err)
	}

	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.Partition != partition {
				continue
			}
			if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
				return 0, fmt.Errorf("kafka: offset fetch %s[%d]: %w", topic, partition, err)
			}
			return p.Offset, nil
		}
	}
	return -1, nil
}

func (c *franzConsumer) Commit(ctx context.Context, tp TopicPartition) error {
	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = c.group
	// Simple (non-member) commit
	req.Generation = -1

	rt := kmsg.NewOffsetCommitRequestTopic()
	rt.Topic = tp.Topic
	rp := kmsg.NewOffsetCommitRequestTopicPartition()
	rp.Partition = tp.Partition
	rp.Offset = tp.Offset
	rt.Partitions = append(rt.Partitions, rp)
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, c.client)
	if err != nil {
		return fmt.Errorf("kafka: offset commit: %w", err)
	}

	for _, topic := range resp.Topics {
		for _, partition := range topic.Partitions {
			if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
				return fmt.Errorf("kafka: offset commit: %w", err)
			}
		}
	}
	return nil
}

func (c *franzConsumer) Close() error {
	c.client.Close()
	return nil
}

func convertRecord(r *kgo.Record) *Message {
	var headers Headers
	if len(r.Headers) > 0 {
		headers = make(Headers, len(r.Headers))
		for _, h := range r.Headers {
			headers[h.Key] = h.Value
		}
	}
	return &Message{
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Partition: r.Partition,
		Offset:    r.Offset,
		Timestamp: r.Timestamp,
		Topic:     r.Topic,
	}
}

// franzError maps client-level failures onto the package sentinels
func franzError(err error) error {
	switch {
	case errors.Is(err, kgo.ErrClientClosed):
		return fmt.Errorf("%w: %v", ErrTransportFatal, err)
	case errors.Is(err, kerr.OffsetOutOfRange):
		return fmt.Errorf("%w: %v", ErrOffsetOutOfRange, err)
	}
	return err
}
