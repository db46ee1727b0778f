package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/loipv/kafka-pubsub/kafka"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type compareOptions struct {
	messages   int
	streamSize int
	settle     time.Duration
}

// compareResult holds the timings of one delivery mode
type compareResult struct {
	mode     kafka.DeliveryMode
	singles  []time.Duration
	batch    time.Duration
	stream   time.Duration
	streamed int
	received int
	total    time.Duration
}

func newCompareCommand(global *globalOptions) *cobra.Command {
	opts := &compareOptions{}

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Publish the same workload in ack and noack mode and compare timings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := global.newSession()
			if err != nil {
				return err
			}
			defer s.close()

			out := cmd.OutOrStdout()
			var results []*compareResult
			for _, mode := range []kafka.DeliveryMode{kafka.Acknowledged, kafka.FireAndForget} {
				group := fmt.Sprintf("%s-compare-group", mode)
				ps, err := s.pubsub(mode, group)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Testing %s mode\n", mode)
				r, err := runComparison(cmd.Context(), ps, mode, opts)
				if err != nil {
					return fmt.Errorf("%s mode: %w", mode, err)
				}
				results = append(results, r)
			}

			printComparison(out, results)
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.messages, "messages", 3, "Single publishes and batch size per mode")
	cmd.Flags().IntVar(&opts.streamSize, "stream", 20, "Messages streamed per mode in batches of 5")
	cmd.Flags().DurationVar(&opts.settle, "settle", 3*time.Second, "How long to wait for the consumer after publishing")
	return cmd
}

func runComparison(ctx context.Context, ps *kafka.PubSub, mode kafka.DeliveryMode, opts *compareOptions) (*compareResult, error) {
	r := &compareResult{mode: mode}
	received := make(chan struct{}, opts.messages*2+opts.streamSize)
	ps.OnMessage(func(context.Context, *kafka.Message) error {
		select {
		case received <- struct{}{}:
		default:
		}
		return nil
	})

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ps.Disconnect(shutdownCtx)
	}()

	// Both sides connect in parallel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ps.ConnectProducer(gctx) })
	g.Go(func() error { return ps.ConnectConsumer(gctx) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	start := time.Now()
	for i := 0; i < opts.messages; i++ {
		sent := time.Now()
		if _, err := ps.Publish(ctx, []byte(fmt.Sprintf("%s message %d", mode, i+1)), nil); err != nil {
			return nil, err
		}
		r.singles = append(r.singles, time.Since(sent))
	}

	batch := make([]string, opts.messages)
	for i := range batch {
		batch[i] = fmt.Sprintf("%s batch %d", mode, i+1)
	}
	batchStart := time.Now()
	if _, err := ps.PublishBatch(ctx, kafka.StringMessages(batch...)); err != nil {
		return nil, err
	}
	r.batch = time.Since(batchStart)

	stream := make([]string, opts.streamSize)
	for i := range stream {
		stream[i] = fmt.Sprintf("%s stream %d", mode, i+1)
	}
	streamStart := time.Now()
	r.streamed = ps.PublishStream(ctx, kafka.StringMessages(stream...), 5)
	r.stream = time.Since(streamStart)
	r.total = time.Since(start)

	want := opts.messages*2 + r.streamed
	timer := time.NewTimer(opts.settle)
	defer timer.Stop()
	for r.received < want {
		select {
		case <-received:
			r.received++
		case <-timer.C:
			return r, nil
		case <-ctx.Done():
			return r, ctx.Err()
		}
	}
	return r, nil
}

func printComparison(w io.Writer, results []*compareResult) {
	fmt.Fprintf(w, "\n%-6s %12s %12s %12s %10s %10s\n", "mode", "avg single", "batch", "stream", "streamed", "received")
	for _, r := range results {
		var sum time.Duration
		for _, d := range r.singles {
			sum += d
		}
		avg := time.Duration(0)
		if len(r.singles) > 0 {
			avg = sum / time.Duration(len(r.singles))
		}
		fmt.Fprintf(w, "%-6s %12s %12s %12s %10d %10d\n", r.mode,
			avg.Round(time.Microsecond), r.batch.Round(time.Microsecond), r.stream.Round(time.Microsecond),
			r.streamed, r.received)
	}
}
