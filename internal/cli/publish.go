package cli

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/loipv/kafka-pubsub/kafka"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	key        string
	batch      bool
	streamSize int
	stdin      bool
}

func newPublishCommand(global *globalOptions) *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish [value...]",
		Short: "Publish values to the topic",
		Long: "Publish each argument (or each stdin line with --stdin) as one message.\n" +
			"--batch sends them as a single all-or-nothing batch; --stream N sends them in sequential batches of N.",
		RunE: func(cmd *cobra.Command, args []string) error {
			values := args
			if opts.stdin {
				lines, err := readLines(cmd.InOrStdin())
				if err != nil {
					return err
				}
				values = append(values, lines...)
			}
			if len(values) == 0 {
				return fmt.Errorf("nothing to publish")
			}
			if opts.batch && opts.streamSize > 0 {
				return fmt.Errorf("--batch and --stream are mutually exclusive")
			}

			s, err := global.newSession()
			if err != nil {
				return err
			}
			defer s.close()

			ps, err := s.pubsub(s.cfg.DeliveryMode(), "")
			if err != nil {
				return err
			}
			defer ps.Disconnect(cmd.Context())

			ctx := cmd.Context()
			if err := ps.ConnectProducer(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			start := time.Now()

			switch {
			case opts.streamSize > 0:
				n := ps.PublishStream(ctx, keyedMessages(values, opts.key), opts.streamSize)
				fmt.Fprintf(out, "streamed %d/%d messages in %s\n", n, len(values), time.Since(start).Round(time.Millisecond))
				if n < len(values) {
					return fmt.Errorf("%d messages were not published", len(values)-n)
				}

			case opts.batch:
				receipts, err := ps.PublishBatch(ctx, keyedMessages(values, opts.key))
				if err != nil {
					return err
				}
				for _, r := range receipts {
					printReceipt(out, r)
				}
				fmt.Fprintf(out, "batch of %d published in %s\n", len(receipts), time.Since(start).Round(time.Millisecond))

			default:
				var key []byte
				if opts.key != "" {
					key = []byte(opts.key)
				}
				for _, v := range values {
					sent := time.Now()
					r, err := ps.Publish(ctx, []byte(v), key)
					if err != nil {
						return err
					}
					printReceipt(out, r)
					fmt.Fprintf(out, "  took %s\n", time.Since(sent).Round(time.Microsecond))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.key, "key", "k", "", "Message key")
	cmd.Flags().BoolVar(&opts.batch, "batch", false, "Publish all values as one batch")
	cmd.Flags().IntVar(&opts.streamSize, "stream", 0, "Publish in sequential batches of this size")
	cmd.Flags().BoolVar(&opts.stdin, "stdin", false, "Also read one value per line from stdin")
	return cmd
}

// keyedMessages wraps values as messages, all carrying key when it is set
func keyedMessages(values []string, key string) []*kafka.Message {
	msgs := kafka.StringMessages(values...)
	if key != "" {
		for _, m := range msgs {
			m.Key = []byte(key)
		}
	}
	return msgs
}

func printReceipt(w io.Writer, r kafka.Receipt) {
	if r.Offset == kafka.OffsetUnknown {
		fmt.Fprintf(w, "%s[%d] (offset not reported)\n", r.Topic, r.Partition)
		return
	}
	fmt.Fprintf(w, "%s[%d]@%d\n", r.Topic, r.Partition, r.Offset)
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return lines, nil
}
