package kafka

import (
	"context"
	"maps"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// OpenTelemetry messaging attributes attached to publish and process spans.
const (
	MessagingSystemKey              = "messaging.system"
	MessagingDestinationNameKey     = "messaging.destination.name"
	MessagingDestinationPartitionID = "messaging.destination.partition.id"
	MessagingOperationNameKey       = "messaging.operation.name"
	MessagingKafkaOffsetKey         = "messaging.kafka.offset"
	MessagingKafkaConsumerGroupKey  = "messaging.kafka.consumer.group"
	MessagingKafkaMessageKeyKey     = "messaging.kafka.message.key"
	MessagingBatchMessageCountKey   = "messaging.batch.message_count"
	MessagingKafkaAckModeKey        = "messaging.kafka.ack_mode"
)

const defaultTracerName = "github.com/loipv/kafka-pubsub"

// TracingService creates publish and process spans and carries their
// context across the broker in message headers.
type TracingService struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracingService builds a TracingService on the global tracer provider
// and propagator.
func NewTracingService(config *TracingConfig) *TracingService {
	name, version := defaultTracerName, Version
	if config != nil {
		if config.TracerName != "" {
			name = config.TracerName
		}
		if config.TracerVersion != "" {
			version = config.TracerVersion
		}
	}

	return &TracingService{
		tracer:     otel.Tracer(name, trace.WithInstrumentationVersion(version)),
		propagator: otel.GetTextMapPropagator(),
	}
}

// newTracer returns nil unless tracing is enabled
func newTracer(config *TracingConfig) *TracingService {
	if config == nil || !config.Enabled {
		return nil
	}
	return NewTracingService(config)
}

// StartProducerSpan opens one span for a publish call, whether it carries a
// single message or a batch, and writes the span context into the headers
// of every message.
func (t *TracingService) StartProducerSpan(ctx context.Context, topic string, mode DeliveryMode, msgs []*Message) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{
		attribute.String(MessagingDestinationNameKey, topic),
		attribute.Int(MessagingDestinationPartitionID, int(DefaultPartition)),
		attribute.String(MessagingKafkaAckModeKey, mode.String()),
	}
	if len(msgs) == 1 && msgs[0].Key != nil {
		attrs = append(attrs, attribute.String(MessagingKafkaMessageKeyKey, string(msgs[0].Key)))
	} else if len(msgs) > 1 {
		attrs = append(attrs, attribute.Int(MessagingBatchMessageCountKey, len(msgs)))
	}

	ctx, end := t.start(ctx, topic+" publish", trace.SpanKindProducer, "publish", attrs)
	for _, msg := range msgs {
		t.propagator.Inject(ctx, headerCarrier{headers: &msg.Headers})
	}
	return ctx, end
}

// StartConsumerSpan opens the process span for one delivered message,
// parented on the context the producer left in its headers.
func (t *TracingService) StartConsumerSpan(ctx context.Context, group string, msg *Message) (context.Context, func(error)) {
	ctx = t.propagator.Extract(ctx, headerCarrier{headers: &msg.Headers})

	attrs := []attribute.KeyValue{
		attribute.String(MessagingDestinationNameKey, msg.Topic),
		attribute.Int(MessagingDestinationPartitionID, int(msg.Partition)),
		attribute.Int64(MessagingKafkaOffsetKey, msg.Offset),
		attribute.String(MessagingKafkaConsumerGroupKey, group),
	}
	if msg.Key != nil {
		attrs = append(attrs, attribute.String(MessagingKafkaMessageKeyKey, string(msg.Key)))
	}

	return t.start(ctx, msg.Topic+" process", trace.SpanKindConsumer, "process", attrs)
}

func (t *TracingService) start(ctx context.Context, name string, kind trace.SpanKind, op string, attrs []attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs,
		attribute.String(MessagingSystemKey, "kafka"),
		attribute.String(MessagingOperationNameKey, op),
	)
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// headerCarrier adapts message headers to propagation.TextMapCarrier.
// The map is allocated on first Set.
type headerCarrier struct {
	headers *Headers
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	return string((*c.headers)[key])
}

func (c headerCarrier) Set(key, val string) {
	if *c.headers == nil {
		*c.headers = make(Headers)
	}
	(*c.headers)[key] = []byte(val)
}

func (c headerCarrier) Keys() []string {
	return slices.Sorted(maps.Keys(*c.headers))
}
