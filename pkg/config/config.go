package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Actions    ActionsConfig    `yaml:"actions" json:"actions"`
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`
	Locks      LocksConfig      `yaml:"locks" json:"locks"`
	Registry   RegistryConfig   `yaml:"registry" json:"registry"`
	Packages   PackagesConfig   `yaml:"packages" json:"packages"`
	Journal    JournalConfig    `yaml:"journal" json:"journal"`
	Auth       AuthConfig       `yaml:"auth" json:"auth"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
}

// ServerConfig holds settings for the privileged daemon's unix socket
type ServerConfig struct {
	SocketPath     string        `yaml:"socketPath" json:"socketPath"`
	SocketGroup    string        `yaml:"socketGroup" json:"socketGroup"`
	PanelUser      string        `yaml:"panelUser" json:"panelUser"`
	AllowedUIDs    []int         `yaml:"allowedUids" json:"allowedUids"`
	MaxConnections int           `yaml:"maxConnections" json:"maxConnections"`
	MaxRecvMsgSize int           `yaml:"maxRecvMsgSize" json:"maxRecvMsgSize"`
	MaxSendMsgSize int           `yaml:"maxSendMsgSize" json:"maxSendMsgSize"`
	IdleShutdown   time.Duration `yaml:"idleShutdown" json:"idleShutdown"`
}

// ActionsConfig controls action invocation. The actions directory itself is
// deliberately absent: it is compiled in and cannot be moved at run time.
type ActionsConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout" json:"defaultTimeout"`
}

type SupervisorConfig struct {
	PollInterval time.Duration `yaml:"pollInterval" json:"pollInterval"`
	KillGrace    time.Duration `yaml:"killGrace" json:"killGrace"`
	WaitDelay    time.Duration `yaml:"waitDelay" json:"waitDelay"`
}

type LocksConfig struct {
	Dir           string        `yaml:"dir" json:"dir"`
	ThreadTimeout time.Duration `yaml:"threadTimeout" json:"threadTimeout"`
	DBTimeout     time.Duration `yaml:"dbTimeout" json:"dbTimeout"`
}

type RegistryConfig struct {
	AppsDir string `yaml:"appsDir" json:"appsDir"`
	Watch   bool   `yaml:"watch" json:"watch"`
}

type PackagesConfig struct {
	UpdateTimeout  time.Duration `yaml:"updateTimeout" json:"updateTimeout"`
	InstallTimeout time.Duration `yaml:"installTimeout" json:"installTimeout"`
}

type JournalConfig struct {
	Path      string        `yaml:"path" json:"path"`
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// AuthConfig configures the shared-secret handshake. An empty KeyFile
// disables authentication entirely.
type AuthConfig struct {
	KeyFile           string        `yaml:"keyFile" json:"keyFile"`
	SessionTTL        time.Duration `yaml:"sessionTtl" json:"sessionTtl"`
	MaxSessions       int           `yaml:"maxSessions" json:"maxSessions"`
	AttemptsPerMinute int           `yaml:"attemptsPerMinute" json:"attemptsPerMinute"`
}

type MetricsConfig struct {
	Address string `yaml:"address" json:"address"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// DefaultConfig Default configuration values
var DefaultConfig = Config{
	Server: ServerConfig{
		SocketPath:     "/run/privd/privileged.socket",
		PanelUser:      "plinth",
		MaxConnections: 16,
		MaxRecvMsgSize: 1_000_000,
		MaxSendMsgSize: 4 * 1024 * 1024,
		IdleShutdown:   5 * time.Minute,
	},
	Actions: ActionsConfig{
		DefaultTimeout: 5 * time.Minute,
	},
	Supervisor: SupervisorConfig{
		PollInterval: 250 * time.Millisecond,
		KillGrace:    5 * time.Second,
		WaitDelay:    2 * time.Second,
	},
	Locks: LocksConfig{
		Dir:           "/var/lock",
		ThreadTimeout: 5 * time.Second,
		DBTimeout:     30 * time.Second,
	},
	Registry: RegistryConfig{
		AppsDir: "/etc/privd/apps.d",
		Watch:   true,
	},
	Packages: PackagesConfig{
		UpdateTimeout:  2 * time.Minute,
		InstallTimeout: 30 * time.Minute,
	},
	Journal: JournalConfig{
		Path:      "/var/lib/privd/journal.sqlite3",
		Retention: 90 * 24 * time.Hour,
	},
	Auth: AuthConfig{
		KeyFile:           "",
		SessionTTL:        time.Hour,
		MaxSessions:       4,
		AttemptsPerMinute: 10,
	},
	Metrics: MetricsConfig{
		Address: "",
	},
	Logging: LoggingConfig{
		Level:  "INFO",
		Format: "text",
		Output: "stderr",
	},
}

// LoadConfig loads configuration from multiple sources in order of precedence:
// 1. Environment variables (highest precedence)
// 2. Configuration file
// 3. Default values (lowest precedence)
func LoadConfig() (*Config, string, error) {
	config := DefaultConfig

	path, err := loadFromFile(&config)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	loadFromEnv(&config)

	if e := config.Validate(); e != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", e)
	}

	return &config, path, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(config *Config) (string, error) {
	configPaths := []string{
		os.Getenv("PRIVD_CONFIG_PATH"), // Custom path from environment
		"./config.yaml",
		"/etc/privd/config.yaml",
	}

	for _, path := range configPaths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}

		return path, nil
	}

	return "built-in defaults (no config file found)", nil
}

// loadFromEnv loads configuration from environment variables. Malformed
// numeric or duration values are ignored and the previous value kept.
func loadFromEnv(config *Config) {
	if val := os.Getenv("PRIVD_SOCKET_PATH"); val != "" {
		config.Server.SocketPath = val
	}
	if val := os.Getenv("PRIVD_SOCKET_GROUP"); val != "" {
		config.Server.SocketGroup = val
	}
	if val := os.Getenv("PRIVD_PANEL_USER"); val != "" {
		config.Server.PanelUser = val
	}
	if val := os.Getenv("PRIVD_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Server.MaxConnections = n
		}
	}
	if val := os.Getenv("PRIVD_IDLE_SHUTDOWN"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Server.IdleShutdown = d
		}
	}

	if val := os.Getenv("PRIVD_ACTION_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Actions.DefaultTimeout = d
		}
	}

	if val := os.Getenv("PRIVD_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Supervisor.PollInterval = d
		}
	}
	if val := os.Getenv("PRIVD_KILL_GRACE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Supervisor.KillGrace = d
		}
	}

	if val := os.Getenv("PRIVD_LOCK_DIR"); val != "" {
		config.Locks.Dir = val
	}
	if val := os.Getenv("PRIVD_DB_LOCK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Locks.DBTimeout = d
		}
	}

	if val := os.Getenv("PRIVD_APPS_DIR"); val != "" {
		config.Registry.AppsDir = val
	}
	if val := os.Getenv("PRIVD_REGISTRY_WATCH"); val != "" {
		config.Registry.Watch = val == "true" || val == "1"
	}

	if val := os.Getenv("PRIVD_JOURNAL_PATH"); val != "" {
		config.Journal.Path = val
	}

	if val := os.Getenv("PRIVD_KEY_FILE"); val != "" {
		config.Auth.KeyFile = val
	}
	if val := os.Getenv("PRIVD_METRICS_ADDRESS"); val != "" {
		config.Metrics.Address = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Server.SocketPath) {
		return fmt.Errorf("socket path must be absolute: %s", c.Server.SocketPath)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("invalid max connections: %d", c.Server.MaxConnections)
	}
	if c.Server.MaxRecvMsgSize < 1024 {
		return fmt.Errorf("max receive message size too small: %d", c.Server.MaxRecvMsgSize)
	}
	if c.Server.IdleShutdown < 0 {
		return fmt.Errorf("idle shutdown cannot be negative: %s", c.Server.IdleShutdown)
	}

	if c.Actions.DefaultTimeout <= 0 {
		return fmt.Errorf("action timeout must be positive: %s", c.Actions.DefaultTimeout)
	}

	if c.Supervisor.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive: %s", c.Supervisor.PollInterval)
	}
	if c.Supervisor.KillGrace < 0 {
		return fmt.Errorf("kill grace cannot be negative: %s", c.Supervisor.KillGrace)
	}

	if !filepath.IsAbs(c.Locks.Dir) {
		return fmt.Errorf("lock directory must be absolute path: %s", c.Locks.Dir)
	}
	if c.Locks.ThreadTimeout <= 0 || c.Locks.DBTimeout <= 0 {
		return fmt.Errorf("lock timeouts must be positive")
	}

	if !filepath.IsAbs(c.Registry.AppsDir) {
		return fmt.Errorf("apps directory must be absolute path: %s", c.Registry.AppsDir)
	}

	if c.Packages.UpdateTimeout <= 0 || c.Packages.InstallTimeout <= 0 {
		return fmt.Errorf("package timeouts must be positive")
	}

	if c.Journal.Path != "" && !filepath.IsAbs(c.Journal.Path) {
		return fmt.Errorf("journal path must be absolute: %s", c.Journal.Path)
	}

	if c.Auth.MaxSessions < 1 {
		return fmt.Errorf("invalid max sessions: %d", c.Auth.MaxSessions)
	}
	if c.Auth.AttemptsPerMinute < 1 {
		return fmt.Errorf("invalid authentication attempts per minute: %d", c.Auth.AttemptsPerMinute)
	}

	validLevels := map[string]bool{
		"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true,
	}
	if !validLevels[strings.ToUpper(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// AuthEnabled reports whether clients must authenticate before calling
// protected commands.
func (c *Config) AuthEnabled() bool {
	return c.Auth.KeyFile != ""
}

// ReadSecret returns the shared secret with surrounding whitespace removed.
func (c *Config) ReadSecret() (string, error) {
	if !c.AuthEnabled() {
		return "", nil
	}
	data, err := os.ReadFile(c.Auth.KeyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("key file %s is empty", c.Auth.KeyFile)
	}
	return secret, nil
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) SaveToFile(path string) error {
	data, err := c.ToYAML()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadFromFile loads a specific configuration file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}
