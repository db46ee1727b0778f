package kafka

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML form of a PubSub configuration.
// Zero durations and sizes keep the package defaults.
type FileConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	Driver   string   `yaml:"driver"`
	LogLevel string   `yaml:"log_level"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`

	SSL  bool            `yaml:"ssl"`
	SASL *FileSASLConfig `yaml:"sasl"`

	Producer FileProducerConfig `yaml:"producer"`
	Consumer FileConsumerConfig `yaml:"consumer"`
}

// FileSASLConfig holds SASL credentials
type FileSASLConfig struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// FileProducerConfig holds producer settings
type FileProducerConfig struct {
	// Mode is "ack" or "noack"
	Mode            string        `yaml:"mode"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	FlushTimeout    time.Duration `yaml:"flush_timeout"`
	Compression     string        `yaml:"compression"`
	StreamBatchSize int           `yaml:"stream_batch_size"`
}

// FileConsumerConfig holds consumer settings
type FileConsumerConfig struct {
	GroupID string `yaml:"group_id"`
	// From is "latest", "earliest", "committed" or an absolute offset
	From               string        `yaml:"from"`
	SessionTimeout     time.Duration `yaml:"session_timeout"`
	PollTimeout        time.Duration `yaml:"poll_timeout"`
	FetchMaxWait       time.Duration `yaml:"fetch_max_wait"`
	FetchMinBytes      int           `yaml:"fetch_min_bytes"`
	FetchMaxBytes      int           `yaml:"fetch_max_bytes"`
	AutoCommit         *bool         `yaml:"auto_commit"`
	AutoCommitInterval time.Duration `yaml:"auto_commit_interval"`
	// OffsetReset is "tail" or "earliest"
	OffsetReset string `yaml:"offset_reset"`
}

// LoadConfig reads and validates a YAML config file
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes and validates YAML. Unknown keys are rejected.
func ParseConfig(data []byte) (*FileConfig, error) {
	cfg := &FileConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and enumerated values
func (c *FileConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers are required")
	}
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if _, ok := ParseDeliveryMode(c.Producer.Mode); !ok {
		return fmt.Errorf("invalid producer mode %q", c.Producer.Mode)
	}
	if _, err := parseCompression(c.Producer.Compression); err != nil {
		return err
	}
	if _, err := parseStartOffset(c.Consumer.From); err != nil {
		return err
	}
	if _, err := parseOffsetReset(c.Consumer.OffsetReset); err != nil {
		return err
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Driver != "" {
		if _, err := lookupDriver(c.Driver); err != nil {
			return err
		}
	}
	return nil
}

// DeliveryMode returns the parsed producer mode
func (c *FileConfig) DeliveryMode() DeliveryMode {
	mode, _ := ParseDeliveryMode(c.Producer.Mode)
	return mode
}

func (c *FileConfig) sasl() *SASLConfig {
	if c.SASL == nil {
		return nil
	}
	return &SASLConfig{
		Mechanism: c.SASL.Mechanism,
		Username:  c.SASL.Username,
		Password:  c.SASL.Password,
	}
}

// ProducerOptions converts the file settings into producer options
func (c *FileConfig) ProducerOptions() []ProducerOption {
	opts := []ProducerOption{
		WithBrokers(c.Brokers...),
		WithTopic(c.Topic),
		WithDeliveryMode(c.DeliveryMode()),
		WithSSL(c.SSL),
		WithSASL(c.sasl()),
	}
	if c.ClientID != "" {
		opts = append(opts, WithClientID(c.ClientID+"-producer"))
	}
	if c.Driver != "" {
		opts = append(opts, WithDriver(c.Driver))
	}
	if level, err := parseLogLevel(c.LogLevel); err == nil && c.LogLevel != "" {
		opts = append(opts, WithLogLevel(level))
	}
	if c.ConnectionTimeout > 0 {
		opts = append(opts, WithConnectionTimeout(c.ConnectionTimeout))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, WithRequestTimeout(c.RequestTimeout))
	}
	if c.Producer.AckTimeout > 0 {
		opts = append(opts, WithAckTimeout(c.Producer.AckTimeout))
	}
	if c.Producer.FlushTimeout > 0 {
		opts = append(opts, WithFlushTimeout(c.Producer.FlushTimeout))
	}
	if compression, err := parseCompression(c.Producer.Compression); err == nil {
		opts = append(opts, WithCompression(compression))
	}
	if c.Producer.StreamBatchSize > 0 {
		opts = append(opts, WithStreamBatchSize(c.Producer.StreamBatchSize))
	}
	return opts
}

// ConsumerOptions converts the file settings into consumer options
func (c *FileConfig) ConsumerOptions() []ConsumerOption {
	opts := []ConsumerOption{
		ConsumerWithBrokers(c.Brokers...),
		ConsumerWithTopic(c.Topic),
		WithGroupID(c.Consumer.GroupID),
		ConsumerWithSSL(c.SSL),
		ConsumerWithSASL(c.sasl()),
	}
	if c.ClientID != "" {
		opts = append(opts, ConsumerWithClientID(c.ClientID+"-consumer"))
	}
	if c.Driver != "" {
		opts = append(opts, ConsumerWithDriver(c.Driver))
	}
	if level, err := parseLogLevel(c.LogLevel); err == nil && c.LogLevel != "" {
		opts = append(opts, ConsumerWithLogLevel(level))
	}
	if c.ConnectionTimeout > 0 {
		opts = append(opts, ConsumerWithConnectionTimeout(c.ConnectionTimeout))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, ConsumerWithRequestTimeout(c.RequestTimeout))
	}
	if from, err := parseStartOffset(c.Consumer.From); err == nil {
		opts = append(opts, WithStartOffset(from))
	}
	if c.Consumer.SessionTimeout > 0 {
		opts = append(opts, WithSessionTimeout(c.Consumer.SessionTimeout))
	}
	if c.Consumer.PollTimeout > 0 {
		opts = append(opts, WithPollTimeout(c.Consumer.PollTimeout))
	}
	if c.Consumer.FetchMaxWait > 0 {
		opts = append(opts, WithFetchMaxWait(c.Consumer.FetchMaxWait))
	}
	if c.Consumer.FetchMinBytes > 0 || c.Consumer.FetchMaxBytes > 0 {
		minBytes, maxBytes := c.Consumer.FetchMinBytes, c.Consumer.FetchMaxBytes
		if minBytes <= 0 {
			minBytes = DefaultFetchMinBytes
		}
		if maxBytes <= 0 {
			maxBytes = DefaultFetchMaxBytes
		}
		opts = append(opts, WithFetchBytes(minBytes, maxBytes))
	}
	if c.Consumer.AutoCommit != nil {
		opts = append(opts, WithAutoCommit(*c.Consumer.AutoCommit))
	}
	if c.Consumer.AutoCommitInterval > 0 {
		opts = append(opts, WithAutoCommitInterval(c.Consumer.AutoCommitInterval))
	}
	if policy, err := parseOffsetReset(c.Consumer.OffsetReset); err == nil {
		opts = append(opts, WithOffsetReset(policy))
	}
	return opts
}

// PubSubConfig builds a PubSubConfig carrying every file setting
func (c *FileConfig) PubSubConfig() PubSubConfig {
	level, _ := parseLogLevel(c.LogLevel)
	return PubSubConfig{
		Brokers:         c.Brokers,
		Topic:           c.Topic,
		GroupID:         c.Consumer.GroupID,
		Mode:            c.DeliveryMode(),
		Driver:          c.Driver,
		LogLevel:        level,
		ProducerOptions: c.ProducerOptions(),
		ConsumerOptions: c.ConsumerOptions(),
	}
}

func parseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGZIP, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("invalid compression %q", s)
	}
}

func parseStartOffset(s string) (int64, error) {
	switch strings.ToLower(s) {
	case "", "latest":
		return OffsetLatest, nil
	case "earliest", "beginning":
		return OffsetEarliest, nil
	case "committed":
		return OffsetCommitted, nil
	}
	offset, err := strconv.ParseInt(s, 10, 64)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid start offset %q", s)
	}
	return offset, nil
}

func parseOffsetReset(s string) (OffsetResetPolicy, error) {
	switch strings.ToLower(s) {
	case "", "tail", "latest":
		return ResetToTail, nil
	case "earliest":
		return ResetToEarliest, nil
	default:
		return ResetToTail, fmt.Errorf("invalid offset reset policy %q", s)
	}
}

func parseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return LogLevelInfo, nil
	case "none", "off":
		return LogLevelNone, nil
	case "error":
		return LogLevelError, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "debug":
		return LogLevelDebug, nil
	default:
		return LogLevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}
