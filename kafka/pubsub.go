package kafka

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PubSubConfig configures a PubSub. Options in ProducerOptions and
// ConsumerOptions are applied after the shared fields.
type PubSubConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	Mode     DeliveryMode
	ClientID string
	Driver   string

	// FromBeginning starts a new group at the oldest record instead of the tail
	FromBeginning bool
	// ManualCommit disables the periodic commit; call Consumer().Commit yourself
	ManualCommit bool

	Logger   Logger
	LogLevel LogLevel
	Metrics  *Metrics
	Tracing  *TracingConfig

	ProducerOptions []ProducerOption
	ConsumerOptions []ConsumerOption
}

// PubSub pairs one Producer and one Consumer on the same topic.
// Each side is connected separately; Disconnect closes both.
type PubSub struct {
	config PubSubConfig
	logger Logger

	mu       sync.Mutex
	producer *Producer
	consumer *Consumer
	handlers []MessageHandler
}

// NewPubSub creates a disconnected PubSub
func NewPubSub(cfg PubSubConfig) (*PubSub, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.LogLevel == LogLevelNone && cfg.Logger == nil {
		cfg.LogLevel = LogLevelInfo
	}
	return &PubSub{
		config: cfg,
		logger: loggerOrDefault(cfg.Logger, cfg.LogLevel),
	}, nil
}

func (ps *PubSub) producerOptions() []ProducerOption {
	opts := []ProducerOption{
		WithBrokers(ps.config.Brokers...),
		WithTopic(ps.config.Topic),
		WithDeliveryMode(ps.config.Mode),
		WithLogger(ps.logger),
		WithLogLevel(ps.config.LogLevel),
		WithMetrics(ps.config.Metrics),
		WithTracing(ps.config.Tracing),
	}
	if ps.config.ClientID != "" {
		opts = append(opts, WithClientID(ps.config.ClientID+"-producer"))
	}
	if ps.config.Driver != "" {
		opts = append(opts, WithDriver(ps.config.Driver))
	}
	return append(opts, ps.config.ProducerOptions...)
}

func (ps *PubSub) consumerOptions() []ConsumerOption {
	opts := []ConsumerOption{
		ConsumerWithBrokers(ps.config.Brokers...),
		ConsumerWithTopic(ps.config.Topic),
		WithGroupID(ps.config.GroupID),
		WithFromBeginning(ps.config.FromBeginning),
		WithAutoCommit(!ps.config.ManualCommit),
		ConsumerWithLogger(ps.logger),
		ConsumerWithLogLevel(ps.config.LogLevel),
		ConsumerWithMetrics(ps.config.Metrics),
		ConsumerWithTracing(ps.config.Tracing),
	}
	if ps.config.ClientID != "" {
		opts = append(opts, ConsumerWithClientID(ps.config.ClientID+"-consumer"))
	}
	if ps.config.Driver != "" {
		opts = append(opts, ConsumerWithDriver(ps.config.Driver))
	}
	return append(opts, ps.config.ConsumerOptions...)
}

// ConnectProducer connects the producer side. It is a no-op when the
// producer is already ready.
func (ps *PubSub) ConnectProducer(ctx context.Context) error {
	ps.mu.Lock()
	p := ps.producer
	if p == nil {
		var err error
		p, err = NewProducer(ps.producerOptions()...)
		if err != nil {
			ps.mu.Unlock()
			return err
		}
		ps.producer = p
	}
	ps.mu.Unlock()

	return p.Connect(ctx)
}

// ConnectConsumer connects the consumer side and starts dispatching to the
// handlers registered with OnMessage.
func (ps *PubSub) ConnectConsumer(ctx context.Context) error {
	ps.mu.Lock()
	if ps.consumer != nil {
		c := ps.consumer
		ps.mu.Unlock()
		if c.Ready() {
			return nil
		}
		return &ConsumeError{Topic: ps.config.Topic, Group: ps.config.GroupID, Err: ErrAlreadySubscribed}
	}

	c, err := NewConsumer(ps.consumerOptions()...)
	if err != nil {
		ps.mu.Unlock()
		return err
	}
	for _, h := range ps.handlers {
		c.Handle(h)
	}
	ps.consumer = c
	ps.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		ps.mu.Lock()
		if ps.consumer == c {
			ps.consumer = nil
		}
		ps.mu.Unlock()
		_ = c.Close(ctx)
		return err
	}
	return nil
}

// OnMessage registers h for every consumed message. Handlers registered
// before or after ConnectConsumer are both honored and run in registration order.
func (ps *PubSub) OnMessage(h MessageHandler) {
	if h == nil {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.handlers = append(ps.handlers, h)
	if ps.consumer != nil {
		ps.consumer.Handle(h)
	}
}

// Publish sends value with an optional key
func (ps *PubSub) Publish(ctx context.Context, value []byte, key []byte) (Receipt, error) {
	p, err := ps.readyProducer()
	if err != nil {
		return Receipt{}, err
	}
	return p.Publish(ctx, value, key)
}

// PublishBatch sends msgs as one unit
func (ps *PubSub) PublishBatch(ctx context.Context, msgs []*Message) ([]Receipt, error) {
	p, err := ps.readyProducer()
	if err != nil {
		return nil, err
	}
	return p.PublishBatch(ctx, msgs)
}

// PublishStream publishes msgs in sequential batches and returns how many
// were published. It returns 0 when the producer is not connected.
func (ps *PubSub) PublishStream(ctx context.Context, msgs []*Message, batchSize int) int {
	p, err := ps.readyProducer()
	if err != nil {
		ps.logger.Error("Stream publishing skipped: %v", err)
		return 0
	}
	return p.PublishStream(ctx, msgs, batchSize)
}

func (ps *PubSub) readyProducer() (*Producer, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.producer == nil {
		return nil, &PublishError{Topic: ps.config.Topic, Count: 1, Err: ErrNotConnected}
	}
	return ps.producer, nil
}

// IsProducerReady reports whether Publish can be called
func (ps *PubSub) IsProducerReady() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.producer != nil && ps.producer.Ready()
}

// IsConsumerReady reports whether the consumer is connected
func (ps *PubSub) IsConsumerReady() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.consumer != nil && ps.consumer.Ready()
}

// Producer returns the producer, or nil before ConnectProducer
func (ps *PubSub) Producer() *Producer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.producer
}

// Consumer returns the consumer, or nil before ConnectConsumer
func (ps *PubSub) Consumer() *Consumer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.consumer
}

// Disconnect closes the producer and the consumer concurrently. A failure
// on one side does not stop the other. It may be called any number of
// times, with or without a prior connect.
func (ps *PubSub) Disconnect(ctx context.Context) error {
	ps.mu.Lock()
	p, c := ps.producer, ps.consumer
	ps.producer, ps.consumer = nil, nil
	ps.mu.Unlock()

	// No context on the group: one failing side does not cancel the other
	var g errgroup.Group

	if p != nil {
		g.Go(func() error {
			if err := p.Close(); err != nil {
				ps.logger.Error("Error closing producer: %v", err)
				return fmt.Errorf("close producer: %w", err)
			}
			return nil
		})
	}

	if c != nil {
		g.Go(func() error {
			if err := c.Close(ctx); err != nil {
				ps.logger.Error("Error closing consumer: %v", err)
				return fmt.Errorf("close consumer: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if p != nil || c != nil {
		ps.logger.Info("Disconnected from Kafka")
	}
	return err
}
