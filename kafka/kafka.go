// Package kafka provides a dual-mode publish/subscribe client for Kafka.
//
// Features:
//   - One Producer type with two delivery modes: Acknowledged (waits for the
//     leader ack, bounded by an ack timeout) and FireAndForget (returns once
//     the record is handed to the transport)
//   - Publish(), PublishBatch() and PublishStream() with one-batch-in-flight
//     back pressure
//   - Single-partition Consumer with an owned offset cursor, auto or manual
//     commits, and automatic recovery from offset-out-of-range
//   - Ordered handler dispatch with per-handler fault isolation
//   - Pluggable transports: confluent-kafka-go (default) and franz-go
//   - OpenTelemetry tracing, Prometheus metrics, YAML configuration
//   - Idempotent, concurrent shutdown
//
// Quick Start:
//
//	ps, err := kafka.NewPubSub(kafka.PubSubConfig{
//	    Brokers: []string{"localhost:9092"},
//	    Topic:   "events",
//	    GroupID: "events-group",
//	    Mode:    kafka.Acknowledged,
//	})
//
//	ps.OnMessage(func(ctx context.Context, msg *kafka.Message) error {
//	    // Process message
//	    return nil
//	})
//
//	err = ps.ConnectProducer(ctx)
//	err = ps.ConnectConsumer(ctx)
//
//	receipt, err := ps.Publish(ctx, []byte("hello"), nil)
//
//	defer ps.Disconnect(context.Background())
package kafka

// Version of the library
const Version = "1.1.0"
