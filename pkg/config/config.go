// Package config loads service configuration from defaults, an optional
// YAML file and BIZSUITE_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. BIZSUITE_DATABASE_DSN.
const EnvPrefix = "BIZSUITE"

// Transport names.
const (
	TransportNATS  = "nats"
	TransportGoCDK = "gocdk"
)

// Config holds all application configuration
type Config struct {
	Service   string          `mapstructure:"service"`
	Transport string          `mapstructure:"transport"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Receiver  ReceiverConfig  `mapstructure:"receiver"`
	Command   CommandConfig   `mapstructure:"command"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// HealthInterval is how often serve checks its services. Zero disables it.
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// DatabaseConfig holds sqlite configuration
type DatabaseConfig struct {
	DSN          string        `mapstructure:"dsn"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	WAL          bool          `mapstructure:"wal"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`

	// PayloadCodec is "json" or "proto". Plain Go payloads are JSON either way.
	PayloadCodec string `mapstructure:"payload_codec"`
}

// NATSConfig holds JetStream configuration
type NATSConfig struct {
	// Embedded starts an in-process server instead of connecting to URL
	Embedded bool          `mapstructure:"embedded"`
	URL      string        `mapstructure:"url"`
	Port     int           `mapstructure:"port"`
	StoreDir string        `mapstructure:"store_dir"`
	Stream   string        `mapstructure:"stream"`
	Durable  string        `mapstructure:"durable"`
	AckWait  time.Duration `mapstructure:"ack_wait"`
	MaxAge   time.Duration `mapstructure:"max_age"`

	// CredentialsFile holds credentials sealed with the keeper at KeeperURL.
	// An embedded server requires the same credentials.
	CredentialsFile string `mapstructure:"credentials_file"`
	KeeperURL       string `mapstructure:"keeper_url"`
}

// PubSubConfig holds Go CDK pubsub URL patterns
type PubSubConfig struct {
	TopicURL        string `mapstructure:"topic_url"`
	SubscriptionURL string `mapstructure:"subscription_url"`
}

// OutboxConfig holds relay configuration
type OutboxConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Concurrency  int           `mapstructure:"concurrency"`
}

// ReceiverConfig holds integration receiver retry configuration
type ReceiverConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// CommandConfig holds command bus configuration
type CommandConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment    string `mapstructure:"environment"`

	// TraceSampleRate above zero stores sampled spans in the database.
	TraceSampleRate float64       `mapstructure:"trace_sample_rate"`
	TraceRetention  time.Duration `mapstructure:"trace_retention"`
}

// Load reads configuration. An empty path looks for bizsuite.yaml in the
// working directory and ./config, and a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("bizsuite")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "bizsuite")
	v.SetDefault("transport", TransportNATS)
	v.SetDefault("health_interval", "30s")

	// Database settings
	v.SetDefault("database.dsn", "bizsuite.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.wal", true)
	v.SetDefault("database.busy_timeout", "5s")
	v.SetDefault("database.payload_codec", "json")

	// NATS settings
	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.port", -1)
	v.SetDefault("nats.store_dir", "")
	v.SetDefault("nats.stream", "INTEGRATION")
	v.SetDefault("nats.durable", "bizsuite")
	v.SetDefault("nats.ack_wait", "30s")
	v.SetDefault("nats.max_age", "168h")
	v.SetDefault("nats.credentials_file", "")
	v.SetDefault("nats.keeper_url", "")

	// Go CDK settings
	v.SetDefault("pubsub.topic_url", "mem://{name}")
	v.SetDefault("pubsub.subscription_url", "mem://{name}")

	// Outbox settings
	v.SetDefault("outbox.enabled", true)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", "500ms")
	v.SetDefault("outbox.lease", "2m")
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.concurrency", 8)

	// Receiver settings
	v.SetDefault("receiver.max_attempts", 8)
	v.SetDefault("receiver.initial_backoff", "1s")
	v.SetDefault("receiver.max_backoff", "5m")

	v.SetDefault("command.timeout", "30s")

	// Logging settings
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry settings
	v.SetDefault("telemetry.service_name", "bizsuite")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.trace_sample_rate", 0)
	v.SetDefault("telemetry.trace_retention", "168h")
}

// Validate checks values that have no safe fallback.
func (c Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if _, err := domain.CodecByName(c.Database.PayloadCodec); err != nil {
		errs = append(errs, fmt.Errorf("database.payload_codec: %w", err))
	}
	switch c.Transport {
	case TransportNATS:
		if !c.NATS.Embedded && c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required unless nats.embedded is set"))
		}
		if c.NATS.CredentialsFile != "" && c.NATS.KeeperURL == "" {
			errs = append(errs, errors.New("nats.keeper_url is required with nats.credentials_file"))
		}
	case TransportGoCDK:
		if c.PubSub.TopicURL == "" || c.PubSub.SubscriptionURL == "" {
			errs = append(errs, errors.New("pubsub.topic_url and pubsub.subscription_url are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox.batch_size must be positive"))
	}
	if c.Outbox.Concurrency <= 0 {
		errs = append(errs, errors.New("outbox.concurrency must be positive"))
	}
	if c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("outbox.poll_interval must be positive"))
	}
	if c.Outbox.Lease <= 0 {
		errs = append(errs, errors.New("outbox.lease must be positive"))
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox.max_attempts must be positive"))
	}
	if c.NATS.MaxAge < 0 {
		errs = append(errs, errors.New("nats.max_age must not be negative"))
	}
	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		errs = append(errs, errors.New("telemetry.trace_sample_rate must be between 0 and 1"))
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewLogger builds the service logger from the logging settings.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid logging.level %q", level)
	}
	return l, nil
}
