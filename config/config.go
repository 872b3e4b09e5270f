/*
Package config loads the dues engine configuration.

SOURCES (highest priority first):
  1. Environment variables with the DUES_ prefix (DUES_DATABASE_DSN, ...)
  2. A .env file in the working directory, loaded into the environment
  3. config.toml in ., ./config or /etc/dues-engine
  4. Built-in defaults

SECTIONS:
  app        name, env, port
  database   driver (sqlite3|postgres), dsn, max_open_conns
  redis      enabled, addr, password, db
  log        level, format, output
  auth       jwt_secret, issuer
  dues       standard_dues_type_id, threshold_multiplier, cooldown,
             member_timeout, concurrency, reminder_channel,
             notify_rate_per_sec, notify_burst, catalog_ttl
  scheduler  enabled, materialization_interval, reminder_interval

SEE ALSO:
  - cmd/server/main.go: Consumer
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	Auth      AuthConfig
	Dues      DuesConfig
	Scheduler SchedulerConfig
}

type AppConfig struct {
	Name string
	Env  string
	Port string
}

type DatabaseConfig struct {
	Driver       string // sqlite3, postgres
	DSN          string
	MaxOpenConns int
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type DuesConfig struct {
	StandardDuesTypeID  string
	ThresholdMultiplier decimal.Decimal
	Cooldown            time.Duration
	MemberTimeout       time.Duration
	Concurrency         int
	ReminderChannel     string
	NotifyRatePerSec    float64
	NotifyBurst         int
	CatalogTTL          time.Duration
}

type SchedulerConfig struct {
	Enabled                 bool
	MaterializationInterval time.Duration
	ReminderInterval        time.Duration
}

// Options controls where Load looks. Zero value: the standard locations.
type Options struct {
	ConfigPaths []string
	EnvFile     string
}

// Load reads the configuration, applies defaults and validates it.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// A missing .env is fine; godotenv never overrides variables already set.
	_ = godotenv.Load(envFile)

	v := viper.New()
	v.SetDefault("scheduler.enabled", true)
	v.SetConfigName("config")
	v.SetConfigType("toml")
	paths := opts.ConfigPaths
	if len(paths) == 0 {
		paths = []string{".", "./config", "/etc/dues-engine"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("DUES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	multiplier := decimal.Zero
	if raw := v.GetString("dues.threshold_multiplier"); raw != "" {
		m, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("dues.threshold_multiplier: %w", err)
		}
		multiplier = m
	}

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:       v.GetString("database.driver"),
			DSN:          v.GetString("database.dsn"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
			Issuer:    v.GetString("auth.issuer"),
		},
		Dues: DuesConfig{
			StandardDuesTypeID:  v.GetString("dues.standard_dues_type_id"),
			ThresholdMultiplier: multiplier,
			Cooldown:            v.GetDuration("dues.cooldown"),
			MemberTimeout:       v.GetDuration("dues.member_timeout"),
			Concurrency:         v.GetInt("dues.concurrency"),
			ReminderChannel:     v.GetString("dues.reminder_channel"),
			NotifyRatePerSec:    v.GetFloat64("dues.notify_rate_per_sec"),
			NotifyBurst:         v.GetInt("dues.notify_burst"),
			CatalogTTL:          v.GetDuration("dues.catalog_ttl"),
		},
		Scheduler: SchedulerConfig{
			Enabled:                 v.GetBool("scheduler.enabled"),
			MaterializationInterval: v.GetDuration("scheduler.materialization_interval"),
			ReminderInterval:        v.GetDuration("scheduler.reminder_interval"),
		},
	}

	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "dues-engine"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite3" {
		cfg.Database.DSN = "dues.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "dues-engine"
	}
	if !cfg.Dues.ThresholdMultiplier.IsPositive() {
		cfg.Dues.ThresholdMultiplier = decimal.NewFromInt(3)
	}
	if cfg.Dues.Cooldown == 0 {
		cfg.Dues.Cooldown = 30 * 24 * time.Hour
	}
	if cfg.Dues.MemberTimeout == 0 {
		cfg.Dues.MemberTimeout = 10 * time.Second
	}
	if cfg.Dues.Concurrency == 0 {
		cfg.Dues.Concurrency = 4
	}
	if cfg.Dues.ReminderChannel == "" {
		cfg.Dues.ReminderChannel = "email"
	}
	if cfg.Dues.NotifyRatePerSec == 0 {
		cfg.Dues.NotifyRatePerSec = 10
	}
	if cfg.Dues.NotifyBurst == 0 {
		cfg.Dues.NotifyBurst = 5
	}
	if cfg.Dues.CatalogTTL == 0 {
		cfg.Dues.CatalogTTL = time.Minute
	}
	if cfg.Scheduler.MaterializationInterval == 0 {
		cfg.Scheduler.MaterializationInterval = time.Hour
	}
	if cfg.Scheduler.ReminderInterval == 0 {
		cfg.Scheduler.ReminderInterval = 24 * time.Hour
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
	}
	if c.Database.MaxOpenConns < 0 {
		return fmt.Errorf("database.max_open_conns cannot be negative")
	}
	if c.Dues.Concurrency < 0 {
		return fmt.Errorf("dues.concurrency cannot be negative")
	}
	switch c.Dues.ReminderChannel {
	case "email", "in_app":
	default:
		return fmt.Errorf("dues.reminder_channel must be email or in_app, got %q", c.Dues.ReminderChannel)
	}
	if c.Dues.NotifyRatePerSec < 0 {
		return fmt.Errorf("dues.notify_rate_per_sec cannot be negative")
	}

	if c.App.Env == "production" {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required in production")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters in production")
		}
	}
	return nil
}

// Addr returns the HTTP listen address.
func (a AppConfig) Addr() string { return ":" + a.Port }
