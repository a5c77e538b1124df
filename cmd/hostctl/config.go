package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigPath is read when --config is not given and the file exists.
const DefaultConfigPath = "/etc/hostctl/config.yaml"

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Health    HealthConfig    `mapstructure:"health"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Cloud     CloudConfig     `mapstructure:"cloud"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProvisionConfig holds host provisioning settings.
type ProvisionConfig struct {
	AppDirName     string   `mapstructure:"app_dir_name"`
	UnitName       string   `mapstructure:"unit_name"`
	ServiceUser    string   `mapstructure:"service_user"`
	HomeDir        string   `mapstructure:"home_dir"`
	ComposeVersion string   `mapstructure:"compose_version"`
	ComposePath    string   `mapstructure:"compose_path"`
	AuxTools       []string `mapstructure:"aux_tools"`
	OSReleasePath  string   `mapstructure:"os_release_path"`

	// Root prefixes every path the provisioner touches. Anything other than
	// "/" stages the artifacts into a directory tree.
	Root string `mapstructure:"root"`
}

// DeployConfig holds Deployment Runner settings.
type DeployConfig struct {
	Dir           string        `mapstructure:"dir"`
	ComposeBinary string        `mapstructure:"compose_binary"`
	DockerHost    string        `mapstructure:"docker_host"`
	BaseFile      string        `mapstructure:"base_file"`
	OverlayFile   string        `mapstructure:"overlay_file"`
	EnvFile       string        `mapstructure:"env_file"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	LogTail       int           `mapstructure:"log_tail"`
}

// HealthConfig holds health probe settings.
type HealthConfig struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxInterval    time.Duration `mapstructure:"max_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// JournalConfig holds deployment journal settings.
type JournalConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Path is the database file. Relative paths resolve against the
	// deployment directory.
	Path string `mapstructure:"path"`
}

// WebhookConfig holds deploy webhook settings.
type WebhookConfig struct {
	Listen          string        `mapstructure:"listen"`
	Secret          string        `mapstructure:"secret"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RemoteConfig holds SSH shipping settings.
type RemoteConfig struct {
	User           string        `mapstructure:"user"`
	KeyFile        string        `mapstructure:"key_file"`
	Port           int           `mapstructure:"port"`
	AppDir         string        `mapstructure:"app_dir"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// CloudConfig holds cloud provider credentials for address lookups.
type CloudConfig struct {
	Provider           string `mapstructure:"provider"`
	Region             string `mapstructure:"region"`
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`
	DigitalOceanToken  string `mapstructure:"digitalocean_token"`
	HetznerToken       string `mapstructure:"hetzner_token"`
	Endpoint           string `mapstructure:"endpoint"`
}

// JournalPath returns the journal database path for a deployment directory.
func (c *Config) JournalPath(dir string) string {
	if filepath.IsAbs(c.Journal.Path) {
		return c.Journal.Path
	}
	return filepath.Join(dir, c.Journal.Path)
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("provision.app_dir_name", "app")
	v.SetDefault("provision.unit_name", "app-stack")
	v.SetDefault("provision.service_user", "")
	v.SetDefault("provision.home_dir", "")
	v.SetDefault("provision.compose_version", "latest")
	v.SetDefault("provision.compose_path", "/usr/local/bin/docker-compose")
	v.SetDefault("provision.aux_tools", []string{"htop", "curl", "git"})
	v.SetDefault("provision.os_release_path", "/etc/os-release")
	v.SetDefault("provision.root", "/")

	v.SetDefault("deploy.dir", ".")
	v.SetDefault("deploy.compose_binary", "docker-compose")
	v.SetDefault("deploy.docker_host", "")
	v.SetDefault("deploy.base_file", "docker-compose.yml")
	v.SetDefault("deploy.overlay_file", "docker-compose.prod.yml")
	v.SetDefault("deploy.env_file", ".env")
	v.SetDefault("deploy.grace_period", "5s")
	v.SetDefault("deploy.log_tail", 50)

	v.SetDefault("health.url", "http://127.0.0.1:8080/health")
	v.SetDefault("health.timeout", "60s")
	v.SetDefault("health.interval", "2s")
	v.SetDefault("health.max_interval", "10s")
	v.SetDefault("health.request_timeout", "5s")

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", ".hostctl/journal.db")

	v.SetDefault("webhook.listen", "127.0.0.1:9090")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.shutdown_timeout", "5m")

	v.SetDefault("remote.user", "ubuntu")
	v.SetDefault("remote.key_file", "")
	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.app_dir", "app")
	v.SetDefault("remote.known_hosts_file", "")
	v.SetDefault("remote.connect_timeout", "10s")

	v.SetDefault("cloud.provider", "")
	v.SetDefault("cloud.region", "")
	v.SetDefault("cloud.aws_access_key_id", "")
	v.SetDefault("cloud.aws_secret_access_key", "")
	v.SetDefault("cloud.digitalocean_token", "")
	v.SetDefault("cloud.hetzner_token", "")
	v.SetDefault("cloud.endpoint", "")

	// Only the implicit default path is optional.
	if configPath == "" {
		if _, err := os.Stat(DefaultConfigPath); err == nil {
			configPath = DefaultConfigPath
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("HOSTCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no command could run with.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if u, err := url.Parse(c.Health.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("health.url must be an absolute http(s) URL, got %q", c.Health.URL))
	}
	if c.Health.Timeout <= 0 {
		errs = append(errs, errors.New("health.timeout must be positive"))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, errors.New("health.interval must be positive"))
	}
	if c.Deploy.GracePeriod < 0 {
		errs = append(errs, errors.New("deploy.grace_period must not be negative"))
	}
	if c.Deploy.LogTail <= 0 {
		errs = append(errs, errors.New("deploy.log_tail must be positive"))
	}
	if c.Provision.Root == "" {
		errs = append(errs, errors.New("provision.root must not be empty"))
	}
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		errs = append(errs, fmt.Errorf("remote.port out of range: %d", c.Remote.Port))
	}

	return errors.Join(errs...)
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to w so stdout stays free for command output.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
