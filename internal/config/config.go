package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/stanstork/stratum-relocator/internal/sanitize"
)

const (
	VerificationRowCount = "rowcount"
	VerificationChecksum = "checksum"

	ExecutorLocal    = "local"
	ExecutorTemporal = "temporal"
)

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MigrationConfig struct {
	DefaultSchema     string        `mapstructure:"default_schema"`
	AllowedSchemas    []string      `mapstructure:"allowed_schemas"`
	Verification      string        `mapstructure:"verification"`
	RowCountTolerance int64         `mapstructure:"row_count_tolerance"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxStepRetries    uint64        `mapstructure:"max_step_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	ShadowRetention   time.Duration `mapstructure:"shadow_retention"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
}

// TargetAllowed reports whether schema is the default schema or explicitly enabled.
func (m MigrationConfig) TargetAllowed(schema string) bool {
	if schema == m.DefaultSchema {
		return true
	}
	for _, s := range m.AllowedSchemas {
		if s == schema {
			return true
		}
	}
	return false
}

type WorkerConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`
	Executor     string        `mapstructure:"executor"`
	MachineID    uint16        `mapstructure:"machine_id"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type NatsConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

type Config struct {
	DatabaseURL    string          `mapstructure:"database_url"`
	ServerPort     string          `mapstructure:"server_port"`
	RegistrySchema string          `mapstructure:"registry_schema"`
	Log            LogConfig       `mapstructure:"log"`
	Migration      MigrationConfig `mapstructure:"migration"`
	Worker         WorkerConfig    `mapstructure:"worker"`
	Temporal       TemporalConfig  `mapstructure:"temporal"`
	Nats           NatsConfig      `mapstructure:"nats"`
	Tracing        TracingConfig   `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_port", "8080")
	v.SetDefault("registry_schema", "public")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("migration.default_schema", "public")
	v.SetDefault("migration.allowed_schemas", []string{})
	v.SetDefault("migration.verification", VerificationRowCount)
	v.SetDefault("migration.row_count_tolerance", 0)
	v.SetDefault("migration.batch_size", 5000)
	v.SetDefault("migration.max_step_retries", 3)
	v.SetDefault("migration.retry_backoff", 500*time.Millisecond)
	v.SetDefault("migration.job_timeout", 2*time.Hour)
	v.SetDefault("migration.shadow_retention", time.Hour)
	v.SetDefault("migration.lock_timeout", 5*time.Second)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.lease", time.Minute)
	v.SetDefault("worker.executor", ExecutorLocal)
	v.SetDefault("worker.machine_id", 0)

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "STRATUM_RELOCATE")

	v.SetDefault("nats.subject_prefix", "stratum.migrations")

	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "stratum-relocator")
	v.SetDefault("tracing.sampling_rate", 1.0)
}

// Load reads config.yaml from the current directory or ./config, applies
// STRATUM_* environment overrides and validates the result. A missing file is
// not an error as long as the required keys come from the environment.
func Load() (*Config, error) {
	// .env is optional and only used for local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	return load(v)
}

// LoadFile reads an explicit config file.
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("STRATUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper already knows about.
	_ = v.BindEnv("database_url")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("database_url must be set")
	}
	if err := sanitize.Check(c.RegistrySchema); err != nil {
		return errors.Wrap(err, "registry_schema")
	}
	if err := sanitize.Check(c.Migration.DefaultSchema); err != nil {
		return errors.Wrap(err, "migration.default_schema")
	}
	for _, s := range c.Migration.AllowedSchemas {
		if err := sanitize.Check(s); err != nil {
			return errors.Wrap(err, "migration.allowed_schemas")
		}
	}
	switch c.Migration.Verification {
	case VerificationRowCount, VerificationChecksum:
	default:
		return errors.Errorf("migration.verification must be %q or %q, got %q",
			VerificationRowCount, VerificationChecksum, c.Migration.Verification)
	}
	if c.Migration.RowCountTolerance < 0 {
		return errors.New("migration.row_count_tolerance must not be negative")
	}
	if c.Migration.BatchSize <= 0 {
		return errors.New("migration.batch_size must be positive")
	}
	switch c.Worker.Executor {
	case ExecutorLocal, ExecutorTemporal:
	default:
		return errors.Errorf("worker.executor must be %q or %q, got %q",
			ExecutorLocal, ExecutorTemporal, c.Worker.Executor)
	}
	if c.Worker.Count < 1 {
		return errors.New("worker.count must be at least 1")
	}
	if c.Worker.Lease <= c.Worker.PollInterval {
		return errors.New("worker.lease must be longer than worker.poll_interval")
	}
	return nil
}
