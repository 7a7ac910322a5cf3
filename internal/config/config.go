package config

import (
	"errors"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Source    SourceConfig    `yaml:"source" mapstructure:"source"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Transform TransformConfig `yaml:"transform" mapstructure:"transform"`
	ObjStore  ObjStoreConfig  `yaml:"objstore" mapstructure:"objstore"`
	Gold      GoldConfig      `yaml:"gold" mapstructure:"gold"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// SourceConfig configures the Socrata client.
type SourceConfig struct {
	BaseURL           string            `yaml:"base_url" mapstructure:"base_url"`
	AppToken          string            `yaml:"app_token" mapstructure:"app_token"`
	PageSize          int               `yaml:"page_size" mapstructure:"page_size"`
	TimeoutSecs       int               `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64           `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int               `yaml:"burst" mapstructure:"burst"`
	MaxInFlight       int64             `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	MaxAttempts       int               `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS  int               `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS      int               `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier        float64           `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction    float64           `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	Datasets          map[string]string `yaml:"datasets" mapstructure:"datasets"`
}

// Timeout returns the per-request timeout.
func (c SourceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryPolicy builds the source retry policy. Zero values keep the
// resilience defaults.
func (c SourceConfig) RetryPolicy() resilience.RetryConfig {
	return resilience.FromSettings(c.MaxAttempts,
		time.Duration(c.InitialBackoffMS)*time.Millisecond,
		time.Duration(c.MaxBackoffMS)*time.Millisecond,
		c.Multiplier, c.JitterFraction)
}

// DatasetMap converts Datasets to entity keys. Unknown names are an error.
func (c SourceConfig) DatasetMap() (map[model.EntityType]string, error) {
	if len(c.Datasets) == 0 {
		return nil, nil
	}
	out := make(map[model.EntityType]string, len(c.Datasets))
	for name, id := range c.Datasets {
		e, err := model.ParseEntityType(name)
		if err != nil {
			return nil, eris.Wrap(err, "config: source.datasets")
		}
		out[e] = id
	}
	return out, nil
}

// ExtractConfig configures the Extractor.
type ExtractConfig struct {
	Concurrency  int `yaml:"concurrency" mapstructure:"concurrency"`
	BatchRetries int `yaml:"batch_retries" mapstructure:"batch_retries"`
	MaxPages     int `yaml:"max_pages" mapstructure:"max_pages"`
}

// TransformConfig configures the Transformer.
type TransformConfig struct {
	PartRows int `yaml:"part_rows" mapstructure:"part_rows"`
}

// ObjStoreConfig selects the object store driver.
type ObjStoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Root   string `yaml:"root" mapstructure:"root"`
}

// GoldConfig selects the Gold store driver.
type GoldConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// DatabaseConfig is shared by the postgres drivers.
type DatabaseConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	ScheduleMinutes int      `yaml:"schedule_minutes" mapstructure:"schedule_minutes"`
	AllowedOrigins  []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EnvPrefix prefixes every environment override, e.g. CRASHPIPE_GOLD_PATH.
const EnvPrefix = "CRASHPIPE"

// Load reads configuration from .env, config.yaml and the environment.
// Real environment variables win over .env entries.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("source.base_url", "https://data.cityofchicago.org/resource")
	v.SetDefault("source.app_token", "")
	v.SetDefault("source.page_size", 1000)
	v.SetDefault("source.timeout_secs", 30)
	v.SetDefault("source.requests_per_second", 5)
	v.SetDefault("source.burst", 5)
	v.SetDefault("source.max_in_flight", 4)
	v.SetDefault("source.max_attempts", 5)
	v.SetDefault("source.initial_backoff_ms", 500)
	v.SetDefault("source.max_backoff_ms", 30000)
	v.SetDefault("source.multiplier", 2.0)
	v.SetDefault("source.jitter_fraction", 0.25)
	v.SetDefault("extract.concurrency", 3)
	v.SetDefault("extract.batch_retries", 1)
	v.SetDefault("extract.max_pages", 0)
	v.SetDefault("transform.part_rows", 50000)
	v.SetDefault("objstore.driver", "fs")
	v.SetDefault("objstore.root", "data/objects")
	v.SetDefault("gold.driver", "sqlite")
	v.SetDefault("gold.path", "data/gold.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.schedule_minutes", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: "pipeline"
// (stage commands), "serve" (pipeline plus the HTTP server) and "gold"
// (read-only Gold commands). Every problem is reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case "pipeline", "serve":
		errs = append(errs, c.validateObjStore()...)
		errs = append(errs, c.validateGold()...)
		errs = append(errs, c.validateSource()...)
		if c.Extract.Concurrency < 1 || c.Extract.Concurrency > 3 {
			errs = append(errs, "extract.concurrency must be between 1 and 3")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "gold":
		errs = append(errs, c.validateGold()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateObjStore() []string {
	switch c.ObjStore.Driver {
	case "fs":
		if c.ObjStore.Root == "" {
			return []string{"objstore.root is required for the fs driver"}
		}
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return []string{"database.url is required for the postgres object store"}
		}
	default:
		return []string{"unknown objstore.driver " + strconv.Quote(c.ObjStore.Driver)}
	}
	return nil
}

func (c *Config) validateGold() []string {
	switch c.Gold.Driver {
	case "sqlite":
		if c.Gold.Path == "" {
			return []string{"gold.path is required for the sqlite driver"}
		}
	case "postgres":
		if c.Database.URL == "" {
			return []string{"database.url is required for the postgres gold store"}
		}
	default:
		return []string{"unknown gold.driver " + strconv.Quote(c.Gold.Driver)}
	}
	return nil
}

func (c *Config) validateSource() []string {
	var errs []string
	if c.Source.BaseURL == "" {
		errs = append(errs, "source.base_url is required")
	}
	if c.Source.PageSize <= 0 {
		errs = append(errs, "source.page_size must be > 0")
	}
	if c.Source.MaxAttempts < 1 {
		errs = append(errs, "source.max_attempts must be >= 1")
	}
	if _, err := c.Source.DatasetMap(); err != nil {
		errs = append(errs, err.Error())
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
