// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Ledger backends.
const (
	BackendEtcd     = "etcd"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all configuration for the broker.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	NatsURL            string        `mapstructure:"nats_url" validate:"required"`
	NatsName           string        `mapstructure:"nats_name"`
	NatsConnectTimeout time.Duration `mapstructure:"nats_connect_timeout" validate:"gt=0"`
	NatsDrainTimeout   time.Duration `mapstructure:"nats_drain_timeout" validate:"gt=0"`

	IntakeSubject    string `mapstructure:"intake_subject" validate:"required"`
	IntakeQueueGroup string `mapstructure:"intake_queue_group"`
	SolicitSubject   string `mapstructure:"solicit_subject" validate:"required"`
	MaxInFlight      int64  `mapstructure:"max_in_flight" validate:"gte=1"`

	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"gt=0"`
	CompletionTTL  time.Duration `mapstructure:"completion_ttl" validate:"gt=0"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`

	LedgerBackend string        `mapstructure:"ledger_backend" validate:"oneof=etcd postgres memory"`
	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`
	PostgresDSN   string        `mapstructure:"postgres_dsn" validate:"required_if=LedgerBackend postgres"`

	HttpListenAddr    string        `mapstructure:"http_listen_addr" validate:"required"`
	GrpcListenAddr    string        `mapstructure:"grpc_listen_addr"`
	LeaderElectionTTL time.Duration `mapstructure:"leader_election_ttl" validate:"gte=1s"`
	TracePretty       bool          `mapstructure:"trace_pretty"`
	LogLevel          string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("nats_name", "image-broker")
	v.SetDefault("nats_connect_timeout", "5s")
	v.SetDefault("nats_drain_timeout", "30s")
	v.SetDefault("intake_subject", "img-gen")
	v.SetDefault("intake_queue_group", "")
	v.SetDefault("solicit_subject", "request-worker")
	v.SetDefault("max_in_flight", 256)
	v.SetDefault("acquire_timeout", "1s")
	v.SetDefault("completion_ttl", "10m")
	v.SetDefault("sweep_schedule", "0 */1 * * * *")
	v.SetDefault("ledger_backend", BackendEtcd)
	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("grpc_listen_addr", ":9090")
	v.SetDefault("leader_election_ttl", "10s")
	v.SetDefault("trace_pretty", false)
	v.SetDefault("log_level", "info")
}

// Load loads configuration from file and environment variables.
// Extra paths are searched for config.yaml before ./configs and the working directory.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// BROKER_NATS_URL overrides nats_url, and so on.
	v.SetEnvPrefix("broker")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file; defaults and env vars are enough.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and backend-specific settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.LedgerBackend == BackendEtcd && len(c.EtcdEndpoints) == 0 {
		return errors.New("invalid config: etcd_endpoints is required for the etcd ledger backend")
	}
	return nil
}
