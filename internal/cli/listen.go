package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/loipv/kafka-pubsub/kafka"
	"github.com/spf13/cobra"
)

type listenOptions struct {
	fromBeginning bool
	asJSON        bool
	limit         int
}

func newListenCommand(global *globalOptions) *cobra.Command {
	opts := &listenOptions{}

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print every message received on the topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := global.newSession()
			if err != nil {
				return err
			}
			defer s.close()

			if s.cfg.Consumer.GroupID == "" {
				s.cfg.Consumer.GroupID = "kafka-pubsub-listen"
			}
			if opts.fromBeginning {
				s.cfg.Consumer.From = "earliest"
			}

			ps, err := s.pubsub(s.cfg.DeliveryMode(), "")
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			printer := &messagePrinter{out: cmd.OutOrStdout(), asJSON: opts.asJSON}
			var count int
			var mu sync.Mutex
			ps.OnMessage(func(_ context.Context, msg *kafka.Message) error {
				if err := printer.print(msg); err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				count++
				if opts.limit > 0 && count >= opts.limit {
					cancel()
				}
				return nil
			})

			if err := ps.ConnectConsumer(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
			case <-ps.Consumer().Done():
				s.logger.Warn("Consumer stopped")
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return ps.Disconnect(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&opts.fromBeginning, "from-beginning", false, "Start at the oldest retained message")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Decode values as JSON and pretty-print them")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Stop after this many messages")
	return cmd
}

// messagePrinter writes messages to out, one block per message
type messagePrinter struct {
	mu     sync.Mutex
	out    io.Writer
	asJSON bool
}

func (p *messagePrinter) print(msg *kafka.Message) error {
	value := string(msg.Value)
	if p.asJSON {
		var v any
		if err := json.Unmarshal(msg.Value, &v); err != nil {
			return fmt.Errorf("offset %d is not JSON: %w", msg.Offset, err)
		}
		pretty, _ := json.MarshalIndent(v, "  ", "  ")
		value = string(pretty)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s[%d]@%d received=%s", msg.Topic, msg.Partition, msg.Offset, msg.ReceivedAt.Format(time.RFC3339Nano))
	if len(msg.Key) > 0 {
		fmt.Fprintf(p.out, " key=%s", msg.Key)
	}
	fmt.Fprintf(p.out, "\n  %s\n", value)
	return nil
}
