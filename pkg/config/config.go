package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by the CLI
const EnvPrefix = "JOBCTL"

// DefaultUserID is the user announced on the push channel when none is configured
const DefaultUserID = "Analyst_001"

// Config is the resolved client configuration
type Config struct {
	ServerURL      string          `mapstructure:"server_url" validate:"required,url"`
	PushURL        string          `mapstructure:"push_url" validate:"omitempty,pushurl"`
	UserID         string          `mapstructure:"user_id" validate:"required,userid"`
	LogLevel       string          `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat      string          `mapstructure:"log_format" validate:"oneof=console json"`
	Output         string          `mapstructure:"output" validate:"oneof=table json yaml"`
	NoColor        bool            `mapstructure:"no_color"`
	MetricsAddr    string          `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout" validate:"gt=0"`
	ConnectTimeout time.Duration   `mapstructure:"connect_timeout" validate:"gt=0"`
	PerFileCost    time.Duration   `mapstructure:"per_file_cost" validate:"gt=0"`
	QueueSize      int             `mapstructure:"queue_size" validate:"min=1"`
	Tracing        TracingConfig   `mapstructure:"tracing"`
	Reconnect      ReconnectConfig `mapstructure:"reconnect"`
	TLS            TLSConfig       `mapstructure:"tls"`
}

// TracingConfig configures OTLP export
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true"`
}

// TLSConfig configures https and wss connections to the service
type TLSConfig struct {
	CAFile             string `mapstructure:"ca_file" validate:"omitempty,file"`
	CertFile           string `mapstructure:"cert_file" validate:"omitempty,file"`
	KeyFile            string `mapstructure:"key_file" validate:"omitempty,file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ReconnectConfig configures push channel redial backoff
type ReconnectConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=-1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
}

var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
	pushSchemes = []string{"ws://", "wss://", "http://", "https://"}
)

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "http://localhost:5000")
	v.SetDefault("push_url", "")
	v.SetDefault("user_id", DefaultUserID)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("output", "table")
	v.SetDefault("no_color", false)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("per_file_cost", 3*time.Second)
	v.SetDefault("queue_size", 1024)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("reconnect.max_retries", 5)
	v.SetDefault("reconnect.initial_backoff", 500*time.Millisecond)
	v.SetDefault("reconnect.max_backoff", 10*time.Second)
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.insecure_skip_verify", false)
}

// flagKeys maps command line flags to config keys
var flagKeys = map[string]string{
	"server":       "server_url",
	"push-url":     "push_url",
	"user":         "user_id",
	"log-level":    "log_level",
	"log-format":   "log_format",
	"output":       "output",
	"no-color":     "no_color",
	"metrics-addr": "metrics_addr",
	"timeout":      "request_timeout",
	"ca-file":      "tls.ca_file",
	"insecure":     "tls.insecure_skip_verify",
}

// BindFlags binds the persistent CLI flags present in fs to their config keys
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for flag, key := range flagKeys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", flag, err)
		}
	}
	return nil
}

// Load resolves the configuration from defaults, the config file, the
// environment and bound flags, in increasing priority
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".jobctl"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server_url", EnvPrefix+"_SERVER_URL", "ANALYTICS_SERVER_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Secure reports whether the service is reached over TLS
func (c *Config) Secure() bool {
	return strings.HasPrefix(c.ServerURL, "https://") ||
		strings.HasPrefix(c.PushURL, "wss://") ||
		strings.HasPrefix(c.PushURL, "https://")
}

// Validate checks cfg against its validation tags
func Validate(cfg *Config) error {
	v := validator.New()
	_ = v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return userIDRegex.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("pushurl", func(fl validator.FieldLevel) bool {
		val := fl.Field().String()
		for _, scheme := range pushSchemes {
			if strings.HasPrefix(val, scheme) && len(val) > len(scheme) {
				return true
			}
		}
		return false
	})

	err := v.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
