package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_PROFILE.
const EnvPrefix = "RELAY"

// Profile selects which inbound sources the pipeline assembles
type Profile string

const (
	// ProfileIntegration routes both the directory and the topic
	ProfileIntegration Profile = "integration"
	// ProfileFile routes only the polled directory
	ProfileFile Profile = "file"
	// ProfileLog routes only the Kafka topic
	ProfileLog Profile = "log"
	// ProfileBasics is a plain listener on the topic that prints each
	// record as "received: <payload>" and commits it
	ProfileBasics Profile = "basics"
)

// UsesFiles reports whether the file poller is active
func (p Profile) UsesFiles() bool { return p == ProfileIntegration || p == ProfileFile }

// UsesLog reports whether the Kafka consumer is active
func (p Profile) UsesLog() bool {
	return p == ProfileIntegration || p == ProfileLog || p == ProfileBasics
}

// DedupPolicy decides whether the file poller re-emits files it already delivered
type DedupPolicy string

const (
	// DedupNone re-emits every file on every cycle
	DedupNone DedupPolicy = "none"
	// DedupMemory skips acknowledged files until the process exits
	DedupMemory DedupPolicy = "memory"
	// DedupPersistent skips acknowledged files across restarts
	DedupPersistent DedupPolicy = "persistent"
)

// Config holds runtime configuration for the relay.
type Config struct {
	Profile       Profile       `mapstructure:"profile"`
	LogLevel      string        `mapstructure:"log-level"`
	StatsInterval time.Duration `mapstructure:"stats-interval"`

	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Files   FilesConfig   `mapstructure:"files"`
	Handler HandlerConfig `mapstructure:"handler"`
	Publish PublishConfig `mapstructure:"publish"`
	HTTP    HTTPConfig    `mapstructure:"http"`
}

// KafkaConfig holds broker settings shared by consumer and producer
type KafkaConfig struct {
	Brokers  []string       `mapstructure:"brokers"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Producer ProducerConfig `mapstructure:"producer"`
}

// ConsumerConfig configures the manual-ack topic listener
type ConsumerConfig struct {
	Topic             string        `mapstructure:"topic"`
	GroupID           string        `mapstructure:"group-id"`
	ListenerID        string        `mapstructure:"listener-id"`
	IdleEventInterval time.Duration `mapstructure:"idle-event-interval"`
	Concurrency       int           `mapstructure:"concurrency"`

	// Fetch retry budget
	MaxAttempts    int           `mapstructure:"max-attempts"`
	InitialBackoff time.Duration `mapstructure:"initial-backoff"`
	MaxBackoff     time.Duration `mapstructure:"max-backoff"`

	// Pause before re-reading from the committed offset after a handler failure
	RedeliveryDelay time.Duration `mapstructure:"redelivery-delay"`

	MinBytes int           `mapstructure:"min-bytes"`
	MaxBytes int           `mapstructure:"max-bytes"`
	MaxWait  time.Duration `mapstructure:"max-wait"`
}

// ProducerConfig configures the outbound writer pool
type ProducerConfig struct {
	PoolSize     int           `mapstructure:"pool-size"`
	BatchSize    int           `mapstructure:"batch-size"`
	BatchTimeout time.Duration `mapstructure:"batch-timeout"`
	WriteTimeout time.Duration `mapstructure:"write-timeout"`
	RequiredAcks int           `mapstructure:"required-acks"`
	Compression  string        `mapstructure:"compression"`
	MaxRetries   int           `mapstructure:"max-retries"`
	RetryBackoff time.Duration `mapstructure:"retry-backoff"`
}

// FilesConfig configures the directory poller
type FilesConfig struct {
	Dir       string        `mapstructure:"dir"`
	Pattern   string        `mapstructure:"pattern"`
	Interval  time.Duration `mapstructure:"interval"`
	Dedup     DedupPolicy   `mapstructure:"dedup"`
	StateFile string        `mapstructure:"state-file"`
	Charset   string        `mapstructure:"charset"`
}

// HandlerConfig bounds and deduplicates handler work
type HandlerConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	IdempotencyWindow int           `mapstructure:"idempotency-window"`
}

// PublishConfig configures the fire-and-forget outbound path
type PublishConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Topic     string `mapstructure:"topic"`
	Greeting  string `mapstructure:"greeting"`
	Workers   int    `mapstructure:"workers"`
	QueueSize int    `mapstructure:"queue-size"`
}

// HTTPConfig configures the ops endpoint; an empty Addr disables it
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		Profile:       ProfileIntegration,
		LogLevel:      "info",
		StatsInterval: 30 * time.Second,
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Consumer: ConsumerConfig{
				Topic:             "messages",
				GroupID:           "messages",
				ListenerID:        "messages",
				IdleEventInterval: 100 * time.Millisecond,
				Concurrency:       1,
				MaxAttempts:       3,
				InitialBackoff:    100 * time.Millisecond,
				MaxBackoff:        5 * time.Second,
				RedeliveryDelay:   time.Second,
				MinBytes:          1,
				MaxBytes:          10e6,
				MaxWait:           500 * time.Millisecond,
			},
			Producer: ProducerConfig{
				PoolSize:     2,
				BatchSize:    100,
				BatchTimeout: 100 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				Compression:  "none",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
		Files: FilesConfig{
			Dir:      defaultInboundDir(),
			Pattern:  "*",
			Interval: time.Second,
			Dedup:    DedupNone,
			Charset:  "UTF-8",
		},
		Publish: PublishConfig{
			Topic:     "messages",
			Greeting:  "Hello, world!!",
			Workers:   1,
			QueueSize: 1000,
		},
	}
}

// defaultInboundDir is $HOME/Desktop/in
func defaultInboundDir() string {
	return filepath.Join(os.Getenv("HOME"), "Desktop", "in")
}

// Load reads defaults, then the config file at path, then RELAY_*
// environment overrides. An empty path skips the file; a named file must
// exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if strings.HasPrefix(cfg.Files.Dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Files.Dir = filepath.Join(home, cfg.Files.Dir[2:])
		}
	}
	if cfg.Files.Dedup == DedupPersistent && cfg.Files.StateFile == "" {
		cfg.Files.StateFile = filepath.Join(cfg.Files.Dir, ".relay-consumed.json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("profile", string(d.Profile))
	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("stats-interval", d.StatsInterval)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	c := d.Kafka.Consumer
	v.SetDefault("kafka.consumer.topic", c.Topic)
	v.SetDefault("kafka.consumer.group-id", c.GroupID)
	v.SetDefault("kafka.consumer.listener-id", c.ListenerID)
	v.SetDefault("kafka.consumer.idle-event-interval", c.IdleEventInterval)
	v.SetDefault("kafka.consumer.concurrency", c.Concurrency)
	v.SetDefault("kafka.consumer.max-attempts", c.MaxAttempts)
	v.SetDefault("kafka.consumer.initial-backoff", c.InitialBackoff)
	v.SetDefault("kafka.consumer.max-backoff", c.MaxBackoff)
	v.SetDefault("kafka.consumer.redelivery-delay", c.RedeliveryDelay)
	v.SetDefault("kafka.consumer.min-bytes", c.MinBytes)
	v.SetDefault("kafka.consumer.max-bytes", c.MaxBytes)
	v.SetDefault("kafka.consumer.max-wait", c.MaxWait)

	p := d.Kafka.Producer
	v.SetDefault("kafka.producer.pool-size", p.PoolSize)
	v.SetDefault("kafka.producer.batch-size", p.BatchSize)
	v.SetDefault("kafka.producer.batch-timeout", p.BatchTimeout)
	v.SetDefault("kafka.producer.write-timeout", p.WriteTimeout)
	v.SetDefault("kafka.producer.required-acks", p.RequiredAcks)
	v.SetDefault("kafka.producer.compression", p.Compression)
	v.SetDefault("kafka.producer.max-retries", p.MaxRetries)
	v.SetDefault("kafka.producer.retry-backoff", p.RetryBackoff)

	v.SetDefault("files.dir", d.Files.Dir)
	v.SetDefault("files.pattern", d.Files.Pattern)
	v.SetDefault("files.interval", d.Files.Interval)
	v.SetDefault("files.dedup", string(d.Files.Dedup))
	v.SetDefault("files.state-file", d.Files.StateFile)
	v.SetDefault("files.charset", d.Files.Charset)

	v.SetDefault("handler.timeout", d.Handler.Timeout)
	v.SetDefault("handler.idempotency-window", d.Handler.IdempotencyWindow)

	v.SetDefault("publish.enabled", d.Publish.Enabled)
	v.SetDefault("publish.topic", d.Publish.Topic)
	v.SetDefault("publish.greeting", d.Publish.Greeting)
	v.SetDefault("publish.workers", d.Publish.Workers)
	v.SetDefault("publish.queue-size", d.Publish.QueueSize)

	v.SetDefault("http.addr", d.HTTP.Addr)
}
