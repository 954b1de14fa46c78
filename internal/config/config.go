// Package config loads service configuration: defaults, then an optional
// YAML file, then PREVIEWS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PREVIEWS"

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Bus       BusConfig       `yaml:"bus" env:"BUS"`
	Render    RenderConfig    `yaml:"render" env:"RENDER"`
	Previews  PreviewsConfig  `yaml:"previews" env:"PREVIEWS"`
	Auth      AuthConfig      `yaml:"auth" env:"AUTH"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// DatabaseConfig selects the store. URL uses the DATABASE_URL format.
type DatabaseConfig struct {
	URL         string `yaml:"url" env:"URL"`
	Backend     string `yaml:"backend" env:"BACKEND"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// BusConfig selects the completion bus transport.
type BusConfig struct {
	Driver  string `yaml:"driver" env:"DRIVER"`
	Channel string `yaml:"channel" env:"CHANNEL"`
}

// RenderConfig selects how renderers learn about new work.
type RenderConfig struct {
	Signal      string `yaml:"signal" env:"SIGNAL"`
	Queue       string `yaml:"queue" env:"QUEUE"`
	WorkerToken string `yaml:"worker_token" env:"WORKER_TOKEN"`
}

type PreviewsConfig struct {
	Disabled           bool          `yaml:"disabled" env:"DISABLED"`
	DefaultAngle       string        `yaml:"default_angle" env:"DEFAULT_ANGLE"`
	WaitTimeout        time.Duration `yaml:"wait_timeout" env:"WAIT_TIMEOUT"`
	PollInterval       time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	MaxAttempts        int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	ObjectRouteRenders bool          `yaml:"object_route_renders" env:"OBJECT_ROUTE_RENDERS"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	Stdout      bool   `yaml:"stdout" env:"STDOUT"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			URL:         "sqlite:file:previews.sqlite?cache=shared&_pragma=busy_timeout(5000)",
			Backend:     "ent",
			AutoMigrate: true,
		},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Bus:    BusConfig{Driver: "memory"},
		Render: RenderConfig{Signal: "none"},
		Previews: PreviewsConfig{
			DefaultAngle: "0",
			WaitTimeout:  30 * time.Second,
			PollInterval: 2 * time.Second,
			MaxAttempts:  3,
		},
		Log:       LogConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{ServiceName: "previews"},
	}
}

// Load reads path (optional; a missing file is ignored) and applies
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	applyWellKnownEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyWellKnownEnv honours the unprefixed variables operators already use.
func applyWellKnownEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" && os.Getenv(EnvPrefix+"_DATABASE_URL") == "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("DISABLE_PREVIEWS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Previews.Disabled = b
		} else {
			cfg.Previews.Disabled = true
		}
	}
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}

// Validate rejects unknown drivers and non-positive timeouts.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	switch c.Database.Backend {
	case "ent", "gorm":
	default:
		errs = append(errs, fmt.Errorf("database.backend %q must be ent or gorm", c.Database.Backend))
	}
	switch c.Bus.Driver {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("bus.driver %q must be memory, redis or postgres", c.Bus.Driver))
	}
	switch c.Render.Signal {
	case "none", "redis":
	default:
		errs = append(errs, fmt.Errorf("render.signal %q must be none or redis", c.Render.Signal))
	}
	for name, d := range map[string]time.Duration{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"previews.wait_timeout":   c.Previews.WaitTimeout,
		"previews.poll_interval":  c.Previews.PollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Previews.MaxAttempts <= 0 {
		errs = append(errs, errors.New("previews.max_attempts must be positive"))
	}
	if c.Server.WriteTimeout > 0 && c.Previews.WaitTimeout >= c.Server.WriteTimeout {
		errs = append(errs, errors.New("previews.wait_timeout must be shorter than server.write_timeout"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
