// Package config loads connection, cache, and logging settings from an
// optional file and ORB_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so database.host is
// read from ORB_DATABASE_HOST.
const EnvPrefix = "ORB"

// Database describes one database and how to reach it.
type Database struct {
	// Dialect names a registered dialect: postgres, mysql, or sqlite.
	Dialect string `mapstructure:"dialect"`
	// Driver overrides the database/sql driver the dialect would pick.
	Driver   string `mapstructure:"driver"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	// WriteHost, when set, receives every statement that needs write access.
	WriteHost string        `mapstructure:"write_host"`
	Port      int           `mapstructure:"port"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	Namespace string        `mapstructure:"namespace"`
	SSLMode   string        `mapstructure:"ssl_mode"`
	// Timeout bounds a single statement; zero disables it.
	Timeout         time.Duration `mapstructure:"timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Locale          string        `mapstructure:"locale"`
	Timezone        string        `mapstructure:"timezone"`
	InsertBatchSize int           `mapstructure:"insert_batch_size"`
	Retries         int           `mapstructure:"retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Identity names the database for cache keys and log fields.
func (d Database) Identity() string {
	return fmt.Sprintf("%s://%s@%s:%d/%s", d.Dialect, d.Username, d.Host, d.Port, d.Name)
}

// Cache configures the record cache.
type Cache struct {
	// Backend is memory, redis, or none.
	Backend string `mapstructure:"backend"`
	// MaxTimeout caps every entry's lifetime; zero leaves entries to the
	// call and table timeouts.
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	Capacity       int           `mapstructure:"capacity"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisPassword  string        `mapstructure:"redis_password"`
	RedisDB        int           `mapstructure:"redis_db"`
	Prefix         string        `mapstructure:"prefix"`
	PreloadWorkers int           `mapstructure:"preload_workers"`
}

// Log configures the zap logger built by the command line tool.
type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config is the root configuration.
type Config struct {
	Database Database `mapstructure:"database"`
	Cache    Cache    `mapstructure:"cache"`
	Log      Log      `mapstructure:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: Database{
			Dialect:         "sqlite",
			Name:            "orb.db",
			Locale:          "en_US",
			Timezone:        "UTC",
			ConnectTimeout:  3 * time.Second,
			InsertBatchSize: 500,
			Retries:         3,
			RetryDelay:      250 * time.Millisecond,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Cache: Cache{
			Backend:        "memory",
			Capacity:       1000,
			Prefix:         "orb",
			PreloadWorkers: 4,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path (when non-empty) and the environment on top of Default.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Dialect == "" {
		errs = append(errs, errors.New("database.dialect is required"))
	}
	if c.Database.InsertBatchSize <= 0 {
		errs = append(errs, errors.New("database.insert_batch_size must be positive"))
	}
	if c.Database.Retries < 1 {
		errs = append(errs, errors.New("database.retries must be at least 1"))
	}
	switch c.Cache.Backend {
	case "memory", "redis", "none", "":
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of memory, redis, none", c.Cache.Backend))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	db := d.Database
	v.SetDefault("database.dialect", db.Dialect)
	v.SetDefault("database.driver", db.Driver)
	v.SetDefault("database.name", db.Name)
	v.SetDefault("database.host", db.Host)
	v.SetDefault("database.write_host", db.WriteHost)
	v.SetDefault("database.port", db.Port)
	v.SetDefault("database.username", db.Username)
	v.SetDefault("database.password", db.Password)
	v.SetDefault("database.namespace", db.Namespace)
	v.SetDefault("database.ssl_mode", db.SSLMode)
	v.SetDefault("database.timeout", db.Timeout)
	v.SetDefault("database.connect_timeout", db.ConnectTimeout)
	v.SetDefault("database.locale", db.Locale)
	v.SetDefault("database.timezone", db.Timezone)
	v.SetDefault("database.insert_batch_size", db.InsertBatchSize)
	v.SetDefault("database.retries", db.Retries)
	v.SetDefault("database.retry_delay", db.RetryDelay)
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", db.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime)

	c := d.Cache
	v.SetDefault("cache.backend", c.Backend)
	v.SetDefault("cache.max_timeout", c.MaxTimeout)
	v.SetDefault("cache.capacity", c.Capacity)
	v.SetDefault("cache.redis_addr", c.RedisAddr)
	v.SetDefault("cache.redis_password", c.RedisPassword)
	v.SetDefault("cache.redis_db", c.RedisDB)
	v.SetDefault("cache.prefix", c.Prefix)
	v.SetDefault("cache.preload_workers", c.PreloadWorkers)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

func isNotExist(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}
