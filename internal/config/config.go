package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the metering service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Tiers         []TierOverride      `mapstructure:"tiers"`
	Pricing       PricingConfig       `mapstructure:"pricing"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	ReadHeaderTimeout     time.Duration `mapstructure:"read_header_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MinConns        int32         `mapstructure:"min_conns"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// EngineConfig configures the upstream optimization provider.
type EngineConfig struct {
	OpenAIKey    string        `mapstructure:"openai_key"`
	BaseURL      string        `mapstructure:"base_url"`
	DefaultModel string        `mapstructure:"default_model"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// TierOverride adjusts the built-in policy table for one tier.
type TierOverride struct {
	Name      string        `mapstructure:"name"`
	Quota     int64         `mapstructure:"quota"`
	Window    time.Duration `mapstructure:"window"`
	Unmetered *bool         `mapstructure:"unmetered"`
}

// PricingConfig seeds the cost estimator.
type PricingConfig struct {
	DefaultModel string         `mapstructure:"default_model"`
	Models       []ModelPricing `mapstructure:"models"`
}

type ModelPricing struct {
	Model            string  `mapstructure:"model"`
	InputPerMillion  float64 `mapstructure:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else {
		if cfg := os.Getenv("METERD_CONFIG_FILE"); cfg != "" {
			v.SetConfigFile(cfg)
			explicitFile = true
		}
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("meterd")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("METERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "METERD_DATABASE_URL")
	}
	if c.Redis.URL == "" {
		missing = append(missing, "METERD_REDIS_URL")
	}
	if c.Engine.OpenAIKey == "" {
		missing = append(missing, "METERD_ENGINE_OPENAI_KEY")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Database.RunMigrations && c.Database.MigrationsDir == "" {
		return fmt.Errorf("database.migrations_dir must be provided when run_migrations is true")
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}
	if c.Engine.Timeout <= 0 {
		c.Engine.Timeout = 60 * time.Second
	}

	for i, t := range c.Tiers {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tiers[%d].name must be provided", i)
		}
		if t.Quota < 0 {
			return fmt.Errorf("tiers[%d].quota must be >= 0", i)
		}
		if t.Window < 0 {
			return fmt.Errorf("tiers[%d].window must be >= 0", i)
		}
	}

	for i, m := range c.Pricing.Models {
		if strings.TrimSpace(m.Model) == "" {
			return fmt.Errorf("pricing.models[%d].model must be provided", i)
		}
		if m.InputPerMillion < 0 || m.OutputPerMillion < 0 {
			return fmt.Errorf("pricing.models[%d] prices must be >= 0", i)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 1)
	v.SetDefault("server.request_timeout", "120s")
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("engine.default_model", "gpt-4o-mini")
	v.SetDefault("engine.timeout", "60s")

	v.SetDefault("pricing.default_model", "gpt-4o-mini")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
