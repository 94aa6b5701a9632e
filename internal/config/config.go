// Package config loads the settings of the ingest service and the collector
// from an optional YAML file, environment variables and command flags.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// DefaultAPIToken is the development placeholder shared by both binaries.
// Any real deployment must override it through INGEST_API_TOKEN.
const DefaultAPIToken = "devtoken123"

type Config struct {
	APIToken string         `mapstructure:"api_token" validate:"required"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Log      LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Type       string `mapstructure:"type" validate:"oneof=postgres sqlite"`
	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Type sqlite"`
}

type PostgresConfig struct {
	// URL, when set, replaces the individual connection settings.
	URL       string `mapstructure:"url"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port" validate:"gt=0,lte=65535"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	Database  string `mapstructure:"database"`
	SSLMode   string `mapstructure:"sslmode"`
	MinConns  int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns  int32  `mapstructure:"max_conns" validate:"gte=1,gtefield=MinConns"`
	Timescale bool   `mapstructure:"timescale"`
}

// ConnectionValues returns the libpq keyword/value pairs for the pool.
func (c PostgresConfig) ConnectionValues() map[string]string {
	return map[string]string{
		"host":     c.Host,
		"port":     strconv.Itoa(c.Port),
		"user":     c.User,
		"password": c.Password,
		"dbname":   c.Database,
		"sslmode":  c.SSLMode,
	}
}

type LogConfig struct {
	Dir    string `mapstructure:"dir" validate:"required"`
	File   string `mapstructure:"file" validate:"required"`
	Level  int    `mapstructure:"level" validate:"gte=1,lte=4"`
	Stderr bool   `mapstructure:"stderr"`
}

// UsesDefaultToken reports whether the development placeholder token is active.
func (c Config) UsesDefaultToken() bool {
	return c.APIToken == DefaultAPIToken
}

func SetIngestDefaults(v *viper.Viper) {
	v.SetDefault("api_token", DefaultAPIToken)

	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.read_timeout", 5*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("http.shutdown_timeout", 25*time.Second)

	v.SetDefault("storage.type", "postgres")
	v.SetDefault("storage.sqlite_path", "../db/metrics.db")

	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.host", "timescaledb")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "tsdb")
	v.SetDefault("postgres.password", "tsdbpass")
	v.SetDefault("postgres.database", "metrics")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.timescale", false)

	setLogDefaults(v, "ingest.log")
}

func bindIngestEnv(v *viper.Viper) error {
	return bindEnv(v, map[string]string{
		"api_token":           "INGEST_API_TOKEN",
		"http.addr":           "INGEST_HTTP_ADDR",
		"storage.type":        "INGEST_STORAGE",
		"storage.sqlite_path": "INGEST_SQLITE_PATH",
		"postgres.url":        "POSTGRES_URL",
		"postgres.host":       "POSTGRES_HOST",
		"postgres.port":       "POSTGRES_PORT",
		"postgres.user":       "POSTGRES_USER",
		"postgres.password":   "POSTGRES_PASSWORD",
		"postgres.database":   "POSTGRES_DB",
		"postgres.sslmode":    "POSTGRES_SSLMODE",
		"postgres.min_conns":  "POSTGRES_POOL_MIN_SIZE",
		"postgres.max_conns":  "POSTGRES_POOL_MAX_SIZE",
		"postgres.timescale":  "POSTGRES_TIMESCALE",
		"log.dir":             "INGEST_LOG_DIR",
		"log.level":           "INGEST_LOG_LEVEL",
	})
}

// LoadIngest reads the ingest service settings. configFile may be empty.
func LoadIngest(v *viper.Viper, configFile string) (Config, error) {
	var cfg Config

	SetIngestDefaults(v)
	if err := bindIngestEnv(v); err != nil {
		return cfg, err
	}
	if err := readFile(v, configFile); err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("error decoding config: %w", err)
	}
	return cfg, Validate(cfg)
}

func setLogDefaults(v *viper.Viper, file string) {
	v.SetDefault("log.dir", "../log")
	v.SetDefault("log.file", file)
	v.SetDefault("log.level", 3)
	v.SetDefault("log.stderr", true)
}

func bindEnv(v *viper.Viper, keys map[string]string) error {
	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("error binding %s to %s: %w", key, env, err)
		}
	}
	return nil
}

func readFile(v *viper.Viper, configFile string) error {
	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	return nil
}

// Validate checks the struct tags of cfg and reports every offending field.
func Validate(cfg interface{}) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var result *multierror.Error
	for _, fe := range fieldErrs {
		fieldName := stripPrefix(fe.Namespace())
		switch fe.Tag() {
		case "required", "required_if":
			result = multierror.Append(result, fmt.Errorf("ConfigError: Field %s is required but was not found", fieldName))
		default:
			result = multierror.Append(result, fmt.Errorf("ConfigError: Field %s has invalid value %v: %s", fieldName, fe.Value(), fe.Tag()))
		}
	}
	return result.ErrorOrNil()
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
