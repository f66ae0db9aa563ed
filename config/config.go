package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address         string `mapstructure:"address"`
	Environment     string `mapstructure:"environment"`
	MaxConnections  int    `mapstructure:"max_connections"`
	ReadTimeout     string `mapstructure:"read_timeout"`
	WriteTimeout    string `mapstructure:"write_timeout"`
	IdleTimeout     string `mapstructure:"idle_timeout"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
	HotReload       bool   `mapstructure:"hot_reload"`
}

type BackendConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// HostPort joins the backend address and port.
func (b BackendConfig) HostPort() string {
	return net.JoinHostPort(b.Address, fmt.Sprint(b.Port))
}

type UpstreamConfig struct {
	Backends    []BackendConfig `mapstructure:"backends"`
	MaxFails    int             `mapstructure:"max_fails"`
	FailTimeout string          `mapstructure:"fail_timeout"`
}

type ProxyConfig struct {
	ConnectTimeout    string `mapstructure:"connect_timeout"`
	ReadTimeout       string `mapstructure:"read_timeout"`
	NextUpstreamTries int    `mapstructure:"next_upstream_tries"`
}

type HealthCheckConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
	Timeout  string `mapstructure:"timeout"`
	Path     string `mapstructure:"path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ErrorPagesConfig struct {
	Path string `mapstructure:"path"`
	File string `mapstructure:"file"`
}

type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	AccessLog string `mapstructure:"access_log"`
	ErrorLog  string `mapstructure:"error_log"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	ErrorPages  ErrorPagesConfig  `mapstructure:"error_pages"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// Load reads the configuration from path, or from config.yaml in ./config
// or the working directory when path is empty. Environment variables
// override file values, with dots replaced by underscores.
func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	return decode(v)
}

// Watch re-reads the config file at path whenever it changes and hands every
// valid result to onChange. Invalid files are logged and skipped.
func Watch(path string, log *slog.Logger, onChange func(*Config)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Error("Ignoring invalid config change",
				slog.String("file", e.Name),
				slog.Any("err", err))
			return
		}
		log.Info("Config file changed", slog.String("file", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()

	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()

	v.SetDefault("server.address", ":80")
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.max_connections", 1024)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "75s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.hot_reload", false)
	v.SetDefault("upstream.max_fails", 0)
	v.SetDefault("upstream.fail_timeout", "10s")
	v.SetDefault("proxy.connect_timeout", "60s")
	v.SetDefault("proxy.read_timeout", "60s")
	v.SetDefault("proxy.next_upstream_tries", 1)
	v.SetDefault("health_check.enabled", false)
	v.SetDefault("health_check.interval", "5s")
	v.SetDefault("health_check.timeout", "2s")
	v.SetDefault("health_check.path", "/health")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("error_pages.path", "/50x.html")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_second", 100)
	v.SetDefault("rate_limit.burst", 50)
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.access_log", "stdout")
	v.SetDefault("logging.error_log", "stderr")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.MaxConnections, validation.Required, validation.Min(1)),
					validation.Field(&sc.ReadTimeout, validation.By(validateDuration)),
					validation.Field(&sc.WriteTimeout, validation.By(validateDuration)),
					validation.Field(&sc.IdleTimeout, validation.By(validateDuration)),
					validation.Field(&sc.ShutdownTimeout, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Upstream,
			validation.By(func(value interface{}) error {
				uc, ok := value.(UpstreamConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an UpstreamConfig")
				}
				return uc.Validate()
			}),
		),
		validation.Field(&c.Proxy,
			validation.By(func(value interface{}) error {
				pc, ok := value.(ProxyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ProxyConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.ConnectTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&pc.ReadTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&pc.NextUpstreamTries, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&hc.Timeout, validation.Required, validation.By(validatePositiveDuration)),
					validation.Field(&hc.Path, validation.Required, validation.By(validatePath)),
				)
			}),
		),
		validation.Field(&c.Metrics,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MetricsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.Path, validation.Required, validation.By(validatePath)),
				)
			}),
		),
		validation.Field(&c.ErrorPages,
			validation.By(func(value interface{}) error {
				ec, ok := value.(ErrorPagesConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an ErrorPagesConfig")
				}
				return validation.ValidateStruct(&ec,
					validation.Field(&ec.Path, validation.Required, validation.By(validatePath)),
				)
			}),
		),
		validation.Field(&c.RateLimit,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RateLimitConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RateLimitConfig")
				}
				if !rc.Enabled {
					return nil
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.RequestsPerSecond, validation.Required, validation.Min(0.001)),
					validation.Field(&rc.Burst, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
					validation.Field(&lc.AccessLog, validation.Required),
					validation.Field(&lc.ErrorLog, validation.Required),
				)
			}),
		),
	)
}

// Validate checks the upstream section on its own so a reloaded pool can be
// vetted without the rest of the file.
func (u UpstreamConfig) Validate() error {
	return validation.ValidateStruct(&u,
		validation.Field(&u.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateBackendConfig)),
		),
		validation.Field(&u.MaxFails, validation.Min(0)),
		validation.Field(&u.FailTimeout,
			validation.Required,
			validation.By(validateDuration),
			validation.When(u.MaxFails > 0, validation.By(validatePositiveDuration)),
		),
	)
}

// Duration parses a duration string that already passed validation.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if durationStr == "" {
		return nil
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validatePositiveDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	if d <= 0 {
		return validation.NewError("validation_non_positive_duration", "must be greater than zero")
	}

	return nil
}

func validatePath(value interface{}) error {
	p, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}

	return nil
}

func validateBackendConfig(value interface{}) error {
	backend, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}

	if backend.Address == "" {
		return validation.NewError("validation_empty_address", "backend address cannot be empty")
	}

	if err := is.Host.Validate(backend.Address); err != nil {
		return validation.NewError("validation_invalid_host", "backend address must be a host name or IP")
	}

	if backend.Port < 1 || backend.Port > 65535 {
		return validation.NewError("validation_invalid_port", "backend port must be between 1 and 65535")
	}

	return nil
}
