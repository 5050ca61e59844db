package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is prepended to every environment override, e.g. SYSREPORT_TOKEN
const EnvPrefix = "SYSREPORT"

// AgentConfig holds the sampling agent configuration
type AgentConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	Token           string        `mapstructure:"token"`
	Interval        time.Duration `mapstructure:"interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Compress        bool          `mapstructure:"compress"`
	Source          string        `mapstructure:"source"` // builtin or exporter
	ExporterURL     string        `mapstructure:"exporter_url"`
	CPUSampleWindow time.Duration `mapstructure:"cpu_sample_window"`
	Logging         LoggingConfig `mapstructure:"logging"`
}

// CollectorConfig holds the collector service configuration
type CollectorConfig struct {
	Listen            string        `mapstructure:"listen"`
	Token             string        `mapstructure:"token"`
	DataDir           string        `mapstructure:"data_dir"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	NATS              NATSConfig    `mapstructure:"nats"`
	Logging           LoggingConfig `mapstructure:"logging"`
}

// NATSConfig controls the optional NATS fan-out of stored records
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URLs          []string      `mapstructure:"urls"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Auth          AuthConfig    `mapstructure:"auth"`
	TLS           TLSConfig     `mapstructure:"tls"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

// AuthConfig selects how the collector authenticates to NATS
type AuthConfig struct {
	Type      string `mapstructure:"type"` // none, token, userpass, creds
	Token     string `mapstructure:"token"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	CredsFile string `mapstructure:"creds_file"`
}

// TLSConfig holds NATS TLS settings
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// LoggingConfig holds logging settings shared by both binaries
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty = console only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// LoadAgent reads the agent configuration from path (optional), the environment
// and flags, in increasing order of precedence.
func LoadAgent(path string, flags *pflag.FlagSet) (*AgentConfig, error) {
	v := newViper()
	setAgentDefaults(v)

	if err := read(v, path, flags); err != nil {
		return nil, err
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateAgent(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadCollector reads the collector configuration from path (optional), the
// environment and flags, in increasing order of precedence.
func LoadCollector(path string, flags *pflag.FlagSet) (*CollectorConfig, error) {
	v := newViper()
	setCollectorDefaults(v)

	if err := read(v, path, flags); err != nil {
		return nil, err
	}

	var cfg CollectorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateCollector(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func read(v *viper.Viper, path string, flags *pflag.FlagSet) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if flags != nil {
		if f := flags.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("logging.level", f); err != nil {
				return fmt.Errorf("failed to bind log-level flag: %w", err)
			}
		}
	}

	return nil
}

func setAgentDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", "http://localhost:8000/collect")
	v.SetDefault("token", "")
	v.SetDefault("interval", 5*time.Minute)
	v.SetDefault("timeout", 15*time.Second)
	v.SetDefault("compress", false)
	v.SetDefault("source", "builtin")
	v.SetDefault("exporter_url", GetDefaultExporterURL())
	v.SetDefault("cpu_sample_window", time.Second)
	setLoggingDefaults(v)
}

func setCollectorDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8000")
	v.SetDefault("token", "")
	v.SetDefault("data_dir", "data")
	v.SetDefault("read_header_timeout", 10*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("max_body_bytes", int64(10*1024*1024))

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.subject_prefix", "sysreport")
	v.SetDefault("nats.auth.type", "none")
	v.SetDefault("nats.auth.token", "")
	v.SetDefault("nats.auth.username", "")
	v.SetDefault("nats.auth.password", "")
	v.SetDefault("nats.auth.creds_file", "")
	v.SetDefault("nats.tls.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.drain_timeout", 5*time.Second)

	setLoggingDefaults(v)
}

func setLoggingDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
}

func validateAgent(cfg *AgentConfig) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("endpoint is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint must include a host")
	}

	if err := validateToken(cfg.Token); err != nil {
		return err
	}

	if cfg.Interval < time.Second {
		return fmt.Errorf("interval must be at least 1 second")
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	switch strings.ToLower(cfg.Source) {
	case "", "builtin":
	case "exporter":
		if _, err := url.ParseRequestURI(cfg.ExporterURL); err != nil {
			return fmt.Errorf("exporter_url is not a valid URL: %q", cfg.ExporterURL)
		}
	default:
		return fmt.Errorf("invalid source: %s (must be builtin or exporter)", cfg.Source)
	}
	if cfg.CPUSampleWindow < 0 {
		return fmt.Errorf("cpu_sample_window must not be negative")
	}

	return validateLogging(&cfg.Logging)
}

func validateCollector(cfg *CollectorConfig) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if err := validateToken(cfg.Token); err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	if cfg.NATS.Enabled {
		if err := validateNATS(&cfg.NATS); err != nil {
			return err
		}
	}

	return validateLogging(&cfg.Logging)
}

func validateToken(token string) error {
	if token == "" {
		return fmt.Errorf("token is required (set it in the config file or %s_TOKEN)", EnvPrefix)
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return fmt.Errorf("token must not contain whitespace")
	}
	return nil
}

func validateNATS(cfg *NATSConfig) error {
	if len(cfg.URLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}
	if err := validateSubjectPrefix(cfg.SubjectPrefix); err != nil {
		return err
	}

	switch cfg.Auth.Type {
	case "none":
	case "token":
		if cfg.Auth.Token == "" {
			return fmt.Errorf("token is required for token auth")
		}
	case "userpass":
		if cfg.Auth.Username == "" || cfg.Auth.Password == "" {
			return fmt.Errorf("username and password are required for userpass auth")
		}
	case "creds":
		if cfg.Auth.CredsFile == "" {
			return fmt.Errorf("creds_file is required for creds auth")
		}
	default:
		return fmt.Errorf("invalid auth type: %s (must be none, token, userpass, or creds)", cfg.Auth.Type)
	}

	if cfg.TLS.Enabled {
		if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
			return fmt.Errorf("tls cert_file and key_file must be set together")
		}
		for _, f := range []string{cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile} {
			if f == "" {
				continue
			}
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("tls file %s: %w", f, err)
			}
		}
	}

	return nil
}

var subjectToken = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// validateSubjectPrefix checks that prefix is a dot-separated list of NATS subject tokens
func validateSubjectPrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return fmt.Errorf("subject_prefix cannot start or end with a dot")
	}
	if strings.Contains(prefix, "..") {
		return fmt.Errorf("subject_prefix: consecutive dots not allowed")
	}
	for _, token := range strings.Split(prefix, ".") {
		if !subjectToken.MatchString(token) {
			return fmt.Errorf("subject_prefix token %q contains invalid characters", token)
		}
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", cfg.Level)
	}
	if cfg.File != "" {
		if cfg.MaxSizeMB <= 0 {
			return fmt.Errorf("logging.max_size_mb must be positive")
		}
		if cfg.MaxBackups < 0 {
			return fmt.Errorf("logging.max_backups must not be negative")
		}
	}
	return nil
}
