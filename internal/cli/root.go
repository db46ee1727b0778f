package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loipv/kafka-pubsub/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// globalOptions are the flags shared by every subcommand
type globalOptions struct {
	configPath  string
	brokers     []string
	topic       string
	group       string
	mode        string
	driver      string
	logLevel    string
	metricsAddr string
}

// NewRoot constructs the root command with the publish, listen, compare
// and drivers subcommands.
func NewRoot() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "kafka-pubsub",
		Short:         "Publish to and listen on a Kafka topic",
		Long:          "kafka-pubsub drives a single-partition Kafka topic in acknowledged or fire-and-forget mode.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	f := root.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	f.StringSliceVar(&opts.brokers, "brokers", nil, "Kafka bootstrap brokers (overrides config)")
	f.StringVarP(&opts.topic, "topic", "t", "", "Topic (overrides config)")
	f.StringVarP(&opts.group, "group", "g", "", "Consumer group (overrides config)")
	f.StringVarP(&opts.mode, "mode", "m", "", "Delivery mode: ack or noack (overrides config)")
	f.StringVar(&opts.driver, "driver", "", "Transport driver: "+strings.Join(kafka.Drivers(), ", "))
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, none")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	root.AddCommand(newPublishCommand(opts))
	root.AddCommand(newListenCommand(opts))
	root.AddCommand(newCompareCommand(opts))
	root.AddCommand(newDriversCommand())
	return root
}

// fileConfig loads the config file, if any, and applies flag overrides
func (o *globalOptions) fileConfig() (*kafka.FileConfig, error) {
	cfg := &kafka.FileConfig{}
	if o.configPath != "" {
		loaded, err := kafka.LoadConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if len(o.brokers) > 0 {
		cfg.Brokers = o.brokers
	}
	if o.topic != "" {
		cfg.Topic = o.topic
	}
	if o.group != "" {
		cfg.Consumer.GroupID = o.group
	}
	if o.mode != "" {
		cfg.Producer.Mode = o.mode
	}
	if o.driver != "" {
		cfg.Driver = o.driver
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session bundles what a subcommand needs to build PubSubs
type session struct {
	cfg     *kafka.FileConfig
	logger  kafka.Logger
	metrics *kafka.Metrics
	server  *http.Server
}

func (o *globalOptions) newSession() (*session, error) {
	cfg, err := o.fileConfig()
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:     cfg,
		logger:  kafka.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(cfg.LogLevel)}))),
		metrics: kafka.NewMetrics("kafka_pubsub"),
	}

	if o.metricsAddr != "" {
		registry := prometheus.NewRegistry()
		if err := s.metrics.Register(registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		s.server = &http.Server{Addr: o.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Metrics server failed: %v", err)
			}
		}()
		s.logger.Info("Serving metrics on %s/metrics", o.metricsAddr)
	}
	return s, nil
}

// pubsub builds a PubSub from the session config. An empty group keeps the
// configured one.
func (s *session) pubsub(mode kafka.DeliveryMode, group string) (*kafka.PubSub, error) {
	cfg := s.cfg.PubSubConfig()
	cfg.Mode = mode
	cfg.Logger = s.logger
	cfg.Metrics = s.metrics
	cfg.ProducerOptions = append(cfg.ProducerOptions, kafka.WithDeliveryMode(mode))
	if group != "" {
		cfg.GroupID = group
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, kafka.WithGroupID(group))
	}
	return kafka.NewPubSub(cfg)
}

func (s *session) close() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

func slogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "none", "off":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newDriversCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List the registered transport drivers",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range kafka.Drivers() {
				marker := " "
				if name == kafka.DefaultDriver {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
			}
		},
	}
}
