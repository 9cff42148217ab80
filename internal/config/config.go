// Package config loads luahttp settings from flags, environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. LUAHTTP_HTTP_ADDR.
const EnvPrefix = "LUAHTTP"

type Config struct {
	HTTP          HTTPConfig          `mapstructure:"http"`
	Script        ScriptConfig        `mapstructure:"script"`
	Admin         AdminConfig         `mapstructure:"admin"`
	AccessLog     AccessLogConfig     `mapstructure:"access_log"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type ScriptConfig struct {
	EntryPoint     string        `mapstructure:"entry_point"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Sandbox        bool          `mapstructure:"sandbox"`
}

type AdminConfig struct {
	Addr             string `mapstructure:"addr"`
	EnableReflection bool   `mapstructure:"enable_reflection"`
}

type AccessLogConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
	// Filter is a CEL expression; only matching requests are logged.
	Filter string `mapstructure:"filter"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.read_header_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("http.max_header_bytes", 1<<20)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("script.entry_point", "do_request")
	v.SetDefault("script.workers", 1)
	v.SetDefault("script.queue_size", 64)
	v.SetDefault("script.request_timeout", time.Duration(0))
	v.SetDefault("script.sandbox", false)

	v.SetDefault("admin.addr", "")
	v.SetDefault("admin.enable_reflection", false)

	v.SetDefault("access_log.backend", "")
	v.SetDefault("access_log.config", map[string]string{})
	v.SetDefault("access_log.filter", "")

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "luahttp")
	v.SetDefault("observability.service_version", "dev")
}

// BindServeFlags binds cobra flags to viper for the root command.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("config", "", "config file path")
	f.String("addr", "", "HTTP listen address (default 0.0.0.0:8080)")
	f.String("entry-point", "", "global Lua function called per request (default do_request)")
	f.Int("workers", 0, "number of independent script shards (default 1)")
	f.Int("queue-size", 0, "calls that may wait per shard (default 64)")
	f.Duration("timeout", 0, "per-request script timeout, 0 disables")
	f.Bool("sandbox", false, "restrict the Lua standard library")
	f.String("admin-addr", "", "gRPC admin listen address (disabled when empty)")
	f.Bool("reflection", false, "enable gRPC reflection on the admin server")
	f.String("access-log", "", "access log backend (memory, sqlite, redis)")
	f.String("access-log-filter", "", "CEL expression selecting logged requests, e.g. 'status >= 500'")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("metrics-addr", "", "metrics HTTP listen address")

	_ = v.BindPFlag("http.addr", f.Lookup("addr"))
	_ = v.BindPFlag("script.entry_point", f.Lookup("entry-point"))
	_ = v.BindPFlag("script.workers", f.Lookup("workers"))
	_ = v.BindPFlag("script.queue_size", f.Lookup("queue-size"))
	_ = v.BindPFlag("script.request_timeout", f.Lookup("timeout"))
	_ = v.BindPFlag("script.sandbox", f.Lookup("sandbox"))
	_ = v.BindPFlag("admin.addr", f.Lookup("admin-addr"))
	_ = v.BindPFlag("admin.enable_reflection", f.Lookup("reflection"))
	_ = v.BindPFlag("access_log.backend", f.Lookup("access-log"))
	_ = v.BindPFlag("access_log.filter", f.Lookup("access-log-filter"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

// Load reads config from flags, env, and file, returning the merged Config.
// A missing config file is only an error when configFile names it explicitly.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("luahttp")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.luahttp")
		v.AddConfigPath("/etc/luahttp")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr cannot be empty"))
	}
	if c.Script.Workers < 0 {
		errs = append(errs, fmt.Errorf("script.workers must be non-negative, got %d", c.Script.Workers))
	}
	if c.Script.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("script.queue_size must be non-negative, got %d", c.Script.QueueSize))
	}
	if c.Script.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("script.request_timeout must be non-negative, got %s", c.Script.RequestTimeout))
	}
	switch c.Observability.OTLPProtocol {
	case "", "http", "grpc":
	default:
		errs = append(errs, fmt.Errorf("observability.otlp_protocol must be grpc or http, got %q", c.Observability.OTLPProtocol))
	}
	return errors.Join(errs...)
}
