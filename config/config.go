package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig                  `yaml:"app"`
	Logging    LoggingConfig              `yaml:"logging"`
	Metrics    MetricsConfig              `yaml:"metrics"`
	Store      StoreConfig                `yaml:"store"`
	Aggregator AggregatorConfig           `yaml:"aggregator"`
	Supervisor SupervisorConfig           `yaml:"supervisor"`
	Connectors map[string]ConnectorConfig `yaml:"connectors"`
	Archive    ArchiveConfig              `yaml:"archive"`
	Replica    ReplicaConfig              `yaml:"replica"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	// Address serves the Prometheus handler; empty disables it.
	Address    string           `yaml:"address"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	DSN             string            `yaml:"dsn"`
	Host            string            `yaml:"host"`
	Port            int               `yaml:"port"`
	User            string            `yaml:"user"`
	Password        string            `yaml:"password"`
	Database        string            `yaml:"database"`
	SSLMode         string            `yaml:"ssl_mode"`
	Params          map[string]string `yaml:"params"`
	MaxOpenConns    int               `yaml:"max_open_conns"`
	MaxIdleConns    int               `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration     `yaml:"conn_max_lifetime"`
	AutoMigrate     bool              `yaml:"auto_migrate"`
}

type AggregatorConfig struct {
	// SnapshotSafetyMargin keeps the minute pass away from rows a connector
	// may still be flushing.
	SnapshotSafetyMargin time.Duration `yaml:"snapshot_safety_margin"`
	MinuteRetention      time.Duration `yaml:"minute_retention"`
	BatchSize            int           `yaml:"batch_size"`
	MinuteInterval       time.Duration `yaml:"minute_interval"`
	HourInterval         time.Duration `yaml:"hour_interval"`
}

type SupervisorConfig struct {
	HealthInterval time.Duration `yaml:"health_interval"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	ErrorThreshold int           `yaml:"error_threshold"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Factor float64       `yaml:"factor"`
	Jitter float64       `yaml:"jitter"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// ConnectorConfig configures one exchange connector. Fields that do not
// apply to an exchange's acquisition mode are ignored.
type ConnectorConfig struct {
	Enabled bool `yaml:"enabled"`
	// URL is the websocket endpoint for stream connectors.
	URL string `yaml:"url"`
	// RestURL is the REST base used by poll connectors and by stream
	// connectors for instrument discovery.
	RestURL       string          `yaml:"rest_url"`
	PollInterval  time.Duration   `yaml:"poll_interval"`
	FlushInterval time.Duration   `yaml:"flush_interval"`
	Timeout       time.Duration   `yaml:"timeout"`
	KeepAlive     time.Duration   `yaml:"keep_alive"`
	SessionLimit  time.Duration   `yaml:"session_limit"`
	Symbols       []string        `yaml:"symbols"`
	LocalIP       string          `yaml:"local_ip"`
	UserAgent     string          `yaml:"user_agent"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

type ArchiveConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Delay       time.Duration `yaml:"delay"`
	Prefix      string        `yaml:"prefix"`
	Compression string        `yaml:"compression"`
	// LocalDir also writes each archived hour under this directory; with
	// no S3 bucket it is the only destination.
	LocalDir string   `yaml:"local_dir"`
	S3       S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type ReplicaConfig struct {
	Enabled   bool           `yaml:"enabled"`
	Interval  time.Duration  `yaml:"interval"`
	Lookback  time.Duration  `yaml:"lookback"`
	BatchSize int            `yaml:"batch_size"`
	Postgres  PostgresConfig `yaml:"postgres"`
}

// Default returns a configuration with every cadence populated. LoadConfig
// starts from it so a YAML file only needs to name what it changes.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "fundingflow", Version: "dev"},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			CloudWatch: CloudWatchConfig{Namespace: "FundingFlow", Dashboard: "FundingFlow"},
		},
		Store: StoreConfig{Driver: StoreDriverPostgres, Postgres: PostgresConfig{AutoMigrate: true}},
		Aggregator: AggregatorConfig{
			SnapshotSafetyMargin: 2 * time.Minute,
			MinuteRetention:      time.Hour,
			BatchSize:            5000,
			MinuteInterval:       time.Minute,
			HourInterval:         5 * time.Minute,
		},
		Supervisor: SupervisorConfig{
			HealthInterval: 30 * time.Second,
			StaleAfter:     3 * time.Minute,
			ErrorThreshold: 5,
			Backoff: BackoffConfig{
				Min:    time.Second,
				Max:    time.Minute,
				Factor: 2,
				Jitter: 0.2,
			},
		},
		Connectors: map[string]ConnectorConfig{},
		Archive: ArchiveConfig{
			Interval:    time.Hour,
			Delay:       2 * time.Hour,
			Prefix:      "market_history",
			Compression: "snappy",
		},
		Replica: ReplicaConfig{
			Interval:  10 * time.Minute,
			Lookback:  24 * time.Hour,
			BatchSize: 500,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Connectors == nil {
		config.Connectors = map[string]ConnectorConfig{}
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

func applyEnvOverrides(config *Config) {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		config.Store.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("READ_DATABASE_URL")); v != "" {
		config.Replica.Postgres.DSN = v
	}

	if config.Archive.Enabled {
		s3 := &config.Archive.S3
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			s3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			s3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			s3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			s3.Bucket = strings.TrimSpace(v)
		}
		s3.Bucket = strings.TrimSpace(s3.Bucket)
	}
}

// EnabledConnectors returns the enabled exchange ids in a stable order.
func (c *Config) EnabledConnectors() []string {
	names := make([]string, 0, len(c.Connectors))
	for name, cc := range c.Connectors {
		if cc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}

	switch cfg.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("store.driver '%s' is not supported", cfg.Store.Driver)
	}

	agg := cfg.Aggregator
	if agg.SnapshotSafetyMargin <= 0 {
		return fmt.Errorf("aggregator.snapshot_safety_margin must be greater than 0")
	}
	if agg.MinuteRetention < time.Minute {
		return fmt.Errorf("aggregator.minute_retention must be at least 1m")
	}
	if agg.BatchSize <= 0 {
		return fmt.Errorf("aggregator.batch_size must be greater than 0")
	}
	if agg.MinuteInterval <= 0 || agg.HourInterval <= 0 {
		return fmt.Errorf("aggregator intervals must be greater than 0")
	}

	sup := cfg.Supervisor
	if sup.HealthInterval <= 0 {
		return fmt.Errorf("supervisor.health_interval must be greater than 0")
	}
	if sup.StaleAfter <= 0 {
		return fmt.Errorf("supervisor.stale_after must be greater than 0")
	}
	if sup.ErrorThreshold <= 0 {
		return fmt.Errorf("supervisor.error_threshold must be greater than 0")
	}

	for name, cc := range cfg.Connectors {
		if !cc.Enabled {
			continue
		}
		if cc.PollInterval < 0 || cc.FlushInterval < 0 || cc.Timeout < 0 {
			return fmt.Errorf("connectors.%s: durations must not be negative", name)
		}
		if cc.PollInterval > 0 && cc.Timeout >= cc.PollInterval {
			return fmt.Errorf("connectors.%s.timeout must be shorter than poll_interval", name)
		}
	}

	if cfg.Archive.Enabled {
		s3 := cfg.Archive.S3
		if s3.Bucket == "" && cfg.Archive.LocalDir == "" {
			return fmt.Errorf("archive.s3.bucket or archive.local_dir is required when archive is enabled")
		}
		if s3.Bucket != "" {
			if s3.Region == "" {
				return fmt.Errorf("archive.s3.region is required when archive.s3.bucket is set")
			}
			if !isValidS3Bucket(s3.Bucket) {
				return fmt.Errorf("archive.s3.bucket '%s' is invalid", s3.Bucket)
			}
		}
		if cfg.Archive.Interval <= 0 {
			return fmt.Errorf("archive.interval must be greater than 0")
		}
	}

	if cfg.Replica.Enabled {
		if cfg.Replica.Postgres.DSN == "" && cfg.Replica.Postgres.Host == "" {
			return fmt.Errorf("replica.postgres requires dsn or host when replica is enabled")
		}
		if cfg.Replica.BatchSize <= 0 || cfg.Replica.Interval <= 0 {
			return fmt.Errorf("replica.batch_size and replica.interval must be greater than 0")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
