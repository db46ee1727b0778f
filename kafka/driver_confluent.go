package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

func init() {
	RegisterDriver(confluentDriver{})
}

// confluentDriver opens librdkafka sessions
type confluentDriver struct{}

func (confluentDriver) Name() string { return DriverConfluent }

func (confluentDriver) DialProducer(ctx context.Context, cfg *ProducerConfig) (ProducerTransport, error) {
	producer, err := kafka.NewProducer(confluentProducerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	t := &confluentProducer{
		producer:       producer,
		logger:         loggerOrDefault(cfg.Logger, cfg.LogLevel),
		requestTimeout: cfg.RequestTimeout,
		done:           make(chan struct{}),
	}
	go t.handleEvents()

	return t, nil
}

// confluentProducerConfig maps cfg onto librdkafka properties. The ack
// timeout bounds both the broker ack wait and local retries, so a record
// never lands after Publish reported ErrAckTimeout.
func confluentProducerConfig(cfg *ProducerConfig) *kafka.ConfigMap {
	ackMs := int(cfg.ackTimeout().Milliseconds())
	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Brokers, ","),
		"acks":               cfg.Mode.RequiredAcks(),
		"request.timeout.ms": ackMs,
		"message.timeout.ms": ackMs,
	}

	if cfg.ClientID != "" {
		configMap.SetKey("client.id", cfg.ClientID)
	}

	if cfg.ConnectionTimeout > 0 {
		configMap.SetKey("socket.connection.setup.timeout.ms", int(cfg.ConnectionTimeout.Milliseconds()))
	}

	if cfg.Compression != CompressionNone {
		configMap.SetKey("compression.type", getCompressionName(cfg.Compression))
	}

	setSecurity(configMap, cfg.SSL, cfg.SASL)

	// Set log level
	configMap.SetKey("log_level", int(cfg.LogLevel))
	return configMap
}

func (confluentDriver) DialConsumer(ctx context.Context, cfg *ConsumerConfig) (ConsumerTransport, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
		"group.id":          cfg.GroupID,
		// Commits are driven by the Consumer's cursor
		"enable.auto.commit":       false,
		"enable.auto.offset.store": false,
		// Out-of-range positions surface as errors and are recovered by the Consumer
		"auto.offset.reset": "error",
	}

	if cfg.ClientID != "" {
		configMap.SetKey("client.id", cfg.ClientID)
	}

	if cfg.SessionTimeout > 0 {
		configMap.SetKey("session.timeout.ms", int(cfg.SessionTimeout.Milliseconds()))
	}

	if cfg.ConnectionTimeout > 0 {
		configMap.SetKey("socket.connection.setup.timeout.ms", int(cfg.ConnectionTimeout.Milliseconds()))
	}

	if cfg.FetchMaxWait > 0 {
		configMap.SetKey("fetch.wait.max.ms", int(cfg.FetchMaxWait.Milliseconds()))
	}

	if cfg.FetchMinBytes > 0 {
		configMap.SetKey("fetch.min.bytes", cfg.FetchMinBytes)
	}

	if cfg.FetchMaxBytes > 0 {
		configMap.SetKey("fetch.max.bytes", cfg.FetchMaxBytes)
	}

	setSecurity(configMap, cfg.SSL, cfg.SASL)

	// Set log level
	configMap.SetKey("log_level", int(cfg.LogLevel))

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &confluentConsumer{
		consumer:       consumer,
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

func setSecurity(configMap *kafka.ConfigMap, ssl bool, sasl *SASLConfig) {
	if ssl {
		configMap.SetKey("security.protocol", "ssl")
	}

	if sasl != nil {
		if ssl {
			configMap.SetKey("security.protocol", "sasl_ssl")
		} else {
			configMap.SetKey("security.protocol", "sasl_plaintext")
		}
		configMap.SetKey("sasl.mechanism", sasl.Mechanism)
		configMap.SetKey("sasl.username", sasl.Username)
		configMap.SetKey("sasl.password", sasl.Password)
	}
}

// confluentProducer implements ProducerTransport over *kafka.Producer
type confluentProducer struct {
	producer       *kafka.Producer
	logger         Logger
	requestTimeout time.Duration

	fatal     atomic.Pointer[kafka.Error]
	closeOnce sync.Once
	done      chan struct{}
}

func (p *confluentProducer) Ping(ctx context.Context) error {
	if _, err := p.producer.GetMetadata(nil, false, timeoutMs(ctx, p.requestTimeout)); err != nil {
		return fmt.Errorf("metadata request: %w", err)
	}
	return nil
}

func (p *confluentProducer) Produce(msgs []*Message, done func([]Receipt, error)) error {
	if ferr := p.fatal.Load(); ferr != nil {
		return fmt.Errorf("%w: %v", ErrTransportFatal, *ferr)
	}

	deliveryChan := make(chan kafka.Event, len(msgs))

	for i, msg := range msgs {
		kafkaMsg := buildKafkaMessage(msg)
		// Opaque carries the position in the call so receipts keep submission order
		kafkaMsg.Opaque = i

		if err := p.producer.Produce(kafkaMsg, deliveryChan); err != nil {
			if i > 0 {
				// Drain reports of the records already handed off
				go p.awaitDeliveries(deliveryChan, i, nil)
			}
			return confluentError(err)
		}
	}

	go p.awaitDeliveries(deliveryChan, len(msgs), done)
	return nil
}

// awaitDeliveries collects n delivery reports and settles the call once.
// Reports still missing when the producer closes fail the call with ErrClosed.
func (p *confluentProducer) awaitDeliveries(deliveryChan chan kafka.Event, n int, done func([]Receipt, error)) {
	receipts := make([]Receipt, n)
	var firstErr error

	for received := 0; received < n; {
		var e kafka.Event
		select {
		case e = <-deliveryChan:
		case <-p.done:
			select {
			case e = <-deliveryChan:
			default:
				if done != nil {
					done(nil, fmt.Errorf("%w: %d delivery reports pending", ErrClosed, n-received))
				}
				return
			}
		}
		m, ok := e.(*kafka.Message)
		if !ok {
			continue
		}
		received++

		if m.TopicPartition.Error != nil {
			if firstErr == nil {
				firstErr = confluentError(m.TopicPartition.Error)
			}
			continue
		}

		idx, _ := m.Opaque.(int)
		if idx < 0 || idx >= n {
			continue
		}
		receipts[idx] = Receipt{
			Topic:     *m.TopicPartition.Topic,
			Partition: m.TopicPartition.Partition,
			Offset:    int64(m.TopicPartition.Offset),
		}
	}

	if done == nil {
		return
	}
	if firstErr != nil {
		done(nil, fmt.Errorf("delivery failed: %w", firstErr))
		return
	}
	done(receipts, nil)
}

func (p *confluentProducer) Flush(timeout time.Duration) int {
	return p.producer.Flush(int(timeout.Milliseconds()))
}

func (p *confluentProducer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.producer.Close()
	})
	return nil
}

// handleEvents drains producer-level events. Delivery reports go to the
// per-call channels and never show up here.
func (p *confluentProducer) handleEvents() {
	for {
		select {
		case <-p.done:
			return
		case e, ok := <-p.producer.Events():
			if !ok {
				return
			}
			switch ev := e.(type) {
			case *kafka.Message:
				if ev.TopicPartition.Error != nil {
					p.logger.Error("Delivery failed: %v", ev.TopicPartition.Error)
				}
			case kafka.Error:
				if ev.IsFatal() {
					p.fatal.Store(&ev)
				}
				p.logger.Error("Kafka error: %v", ev)
			}
		}
	}
}

// buildKafkaMessage builds a kafka.Message from Message
func buildKafkaMessage(msg *Message) *kafka.Message {
	topic := msg.Topic
	kafkaMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: msg.Partition,
		},
		Key:   msg.Key,
		Value: msg.Value,
	}

	if !msg.Timestamp.IsZero() {
		kafkaMsg.Timestamp = msg.Timestamp
	}

	if len(msg.Headers) > 0 {
		kafkaMsg.Headers = make([]kafka.Header, 0, len(msg.Headers))
		for k, v := range msg.Headers {
			kafkaMsg.Headers = append(kafkaMsg.Headers, kafka.Header{Key: k, Value: v})
		}
	}

	return kafkaMsg
}

// confluentConsumer implements ConsumerTransport over *kafka.Consumer
type confluentConsumer struct {
	consumer       *kafka.Consumer
	requestTimeout time.Duration
	closeOnce      sync.Once
}

func (c *confluentConsumer) Ping(ctx context.Context) error {
	if _, err := c.consumer.GetMetadata(nil, false, timeoutMs(ctx, c.requestTimeout)); err != nil {
		return fmt.Errorf("metadata request: %w", err)
	}
	return nil
}

func (c *confluentConsumer) Assign(tp TopicPartition) error {
	return confluentError(c.consumer.Assign([]kafka.TopicPartition{toKafkaTopicPartition(tp)}))
}

func (c *confluentConsumer) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	msg, err := c.consumer.ReadMessage(timeout)
	if err != nil {
		var kafkaErr kafka.Error
		if errors.As(err, &kafkaErr) && kafkaErr.Code() == kafka.ErrTimedOut {
			return nil, nil
		}
		return nil, confluentError(err)
	}
	return convertMessage(msg), nil
}

func (c *confluentConsumer) Seek(tp TopicPartition) error {
	return confluentError(c.consumer.Seek(toKafkaTopicPartition(tp), 0))
}

func (c *confluentConsumer) Watermarks(ctx context.Context, topic string, partition int32) (int64, int64, error) {
	low, high, err := c.consumer.QueryWatermarkOffsets(topic, partition, timeoutMs(ctx, c.requestTimeout))
	if err != nil {
		return 0, 0, confluentError(err)
	}
	return low, high, nil
}

func (c *confluentConsumer) Commit(ctx context.Context, tp TopicPartition) error {
	committed, err := c.consumer.CommitOffsets([]kafka.TopicPartition{toKafkaTopicPartition(tp)})
	if err != nil {
		return confluentError(err)
	}
	for _, p := range committed {
		if p.Error != nil {
			return confluentError(p.Error)
		}
	}
	return nil
}

func (c *confluentConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.consumer.Close()
	})
	return err
}

func toKafkaTopicPartition(tp TopicPartition) kafka.TopicPartition {
	topic := tp.Topic
	offset := kafka.Offset(tp.Offset)
	switch tp.Offset {
	case OffsetLatest:
		offset = kafka.OffsetEnd
	case OffsetEarliest:
		offset = kafka.OffsetBeginning
	case OffsetCommitted:
		offset = kafka.OffsetStored
	}
	return kafka.TopicPartition{Topic: &topic, Partition: tp.Partition, Offset: offset}
}

// convertMessage converts kafka.Message to Message
// Optimized to avoid allocation when there are no headers
func convertMessage(msg *kafka.Message) *Message {
	var headers Headers
	if len(msg.Headers) > 0 {
		headers = make(Headers, len(msg.Headers)) // Pre-sized allocation
		for _, h := range msg.Headers {
			headers[h.Key] = h.Value
		}
	}

	var topic string
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}

	return &Message{
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.TopicPartition.Partition,
		Offset:    int64(msg.TopicPartition.Offset),
		Timestamp: msg.Timestamp,
		Topic:     topic,
	}
}

// confluentError maps librdkafka error codes onto the package sentinels
func confluentError(err error) error {
	if err == nil {
		return nil
	}
	var kafkaErr kafka.Error
	if !errors.As(err, &kafkaErr) {
		return err
	}
	switch {
	case kafkaErr.Code() == kafka.ErrOffsetOutOfRange, kafkaErr.Code() == kafka.ErrAutoOffsetReset:
		return fmt.Errorf("%w: %v", ErrOffsetOutOfRange, kafkaErr)
	case kafkaErr.IsFatal():
		return fmt.Errorf("%w: %v", ErrTransportFatal, kafkaErr)
	}
	return err
}
