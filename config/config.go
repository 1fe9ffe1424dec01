// Package config provides shared configuration for the wabot fleet
// daemon and worker processes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the full daemon/worker configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Logging   LoggingConfig   `toml:"logging"`
	Worker    WorkerConfig    `toml:"worker"`
	Sweeper   SweeperConfig   `toml:"sweeper"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Auth      AuthConfig      `toml:"auth"`
}

// ServerConfig holds fleet-member level settings.
type ServerConfig struct {
	Name         string `toml:"name"`          // this server's fleet name
	BindAddress  string `toml:"bind_address"`  // management API bind address
	APIPort      int    `toml:"api_port"`      // management API port
	BasePort     int    `toml:"base_port"`     // first worker control port
	Capacity     int    `toml:"capacity"`      // max approved instances on this server
	DataDir      string `toml:"data_dir"`      // per-instance session directories live here
	WorkerBinary string `toml:"worker_binary"` // path to the wabot-worker executable
}

// DatabaseConfig holds database settings. A configured DSN (or host)
// selects the postgres primary; otherwise the embedded SQLite engine
// is used directly.
type DatabaseConfig struct {
	Driver              string `toml:"driver"`
	DSN                 string `toml:"dsn"`
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	User                string `toml:"user"`
	Password            string `toml:"password"`
	Name                string `toml:"name"`
	Path                string `toml:"path"` // SQLite file path
	MaxOpenConns        int    `toml:"max_open_conns"`
	MaxIdleConns        int    `toml:"max_idle_conns"`
	ConnMaxLifetimeSecs int    `toml:"conn_max_lifetime_secs"`
}

// EffectiveDriver resolves the configured driver, inferring postgres
// when connection details are present and defaulting to sqlite.
func (c *DatabaseConfig) EffectiveDriver() string {
	if c.Driver != "" {
		return c.Driver
	}
	if c.DSN != "" || c.Host != "" {
		return "postgres"
	}
	return "sqlite"
}

// BuildDSN returns the connection string for the postgres primary.
func (c *DatabaseConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Host == "" {
		return ""
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	name := c.Name
	if name == "" {
		name = "wabot"
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=disable", c.Host, port, name)
	if c.User != "" {
		dsn += " user=" + c.User
	}
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	return dsn
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// WorkerConfig tunes the per-instance worker process.
type WorkerConfig struct {
	GatewayURL          string `toml:"gateway_url"`           // messaging gateway websocket URL
	ReconnectBaseMS     int    `toml:"reconnect_base_ms"`     // first reconnect delay
	ReconnectMaxMS      int    `toml:"reconnect_max_ms"`      // backoff cap
	ReconnectAttempts   int    `toml:"reconnect_attempts"`    // bounded attempt count
	SyncIntervalSecs    int    `toml:"sync_interval_secs"`    // minimum credential sync interval
	StallWindowSecs     int    `toml:"stall_window_secs"`     // no-traffic window before forced reconnect
	HealthCheckSecs     int    `toml:"health_check_secs"`     // stall detector period
	StoreTimeoutSecs    int    `toml:"store_timeout_secs"`    // per-call store timeout
	StatusBindLocalOnly bool   `toml:"status_bind_local_only"`
}

func (c *WorkerConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}

func (c *WorkerConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMS) * time.Millisecond
}

func (c *WorkerConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSecs) * time.Second
}

func (c *WorkerConfig) StallWindow() time.Duration {
	return time.Duration(c.StallWindowSecs) * time.Second
}

func (c *WorkerConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckSecs) * time.Second
}

func (c *WorkerConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSecs) * time.Second
}

// SweeperConfig tunes the expiration sweeper.
type SweeperConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
	GraceMinutes    int `toml:"grace_minutes"` // abandoned-pairing grace window
}

func (c *SweeperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

func (c *SweeperConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceMinutes) * time.Minute
}

// HeartbeatConfig tunes fleet heartbeat publication and the freshness
// window used by placement.
type HeartbeatConfig struct {
	IntervalSecs     int `toml:"interval_secs"`
	FreshnessMinutes int `toml:"freshness_minutes"`
}

func (c *HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

func (c *HeartbeatConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessMinutes) * time.Minute
}

// AuthConfig holds management API authentication settings.
// APIKeyHash is an argon2id encoded hash of the admin API key.
type AuthConfig struct {
	APIKeyHash string `toml:"api_key_hash"`
}

// Default returns a Config with defaults applied.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Server: ServerConfig{
			Name:        hostname,
			BindAddress: "0.0.0.0",
			APIPort:     8080,
			BasePort:    4000,
			Capacity:    50,
		},
		Logging: LoggingConfig{Level: "info"},
		Worker: WorkerConfig{
			ReconnectBaseMS:     2000,
			ReconnectMaxMS:      60000,
			ReconnectAttempts:   10,
			SyncIntervalSecs:    60,
			StallWindowSecs:     300,
			HealthCheckSecs:     30,
			StoreTimeoutSecs:    10,
			StatusBindLocalOnly: true,
		},
		Sweeper:   SweeperConfig{IntervalMinutes: 10, GraceMinutes: 30},
		Heartbeat: HeartbeatConfig{IntervalSecs: 60, FreshnessMinutes: 5},
	}
}

// Load reads configuration from path, or from the first config file
// found in the platform search paths when path is empty. A missing
// file is not an error; defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		data = b
	} else if found, b, err := FindConfigFile("wabot.toml"); err == nil {
		path = found
		data = b
	}

	if len(data) > 0 {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	ApplyEnvOverrides(cfg)

	if cfg.Server.DataDir == "" {
		dir, err := DataDirectory()
		if err != nil {
			return nil, err
		}
		cfg.Server.DataDir = dir
	}
	if cfg.Server.Name == "" {
		return nil, fmt.Errorf("server name is required (set server.name or WABOT_SERVER_NAME)")
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides. Env-set
// values win over the config file.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WABOT_SERVER_NAME"); v != "" {
		cfg.Server.Name = v
	}
	if v := os.Getenv("WABOT_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("WABOT_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("WABOT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("WABOT_BASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.BasePort = n
		}
	}
	if v := os.Getenv("WABOT_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Capacity = n
		}
	}
	if v := os.Getenv("WABOT_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("WABOT_GATEWAY_URL"); v != "" {
		cfg.Worker.GatewayURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// FindConfigFile searches platform-appropriate locations for a config file.
func FindConfigFile(filename string) (string, []byte, error) {
	for _, path := range ConfigSearchPaths(filename) {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}
	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// ConfigSearchPaths returns the ordered list of paths searched for
// config files: system dir, user config dir, executable dir, cwd.
func ConfigSearchPaths(filename string) []string {
	var paths []string

	switch runtime.GOOS {
	case "windows":
		paths = append(paths, filepath.Join(os.Getenv("ProgramData"), "Wabot", filename))
	case "darwin":
		paths = append(paths, filepath.Join("/Library/Application Support", "Wabot", filename))
	default:
		paths = append(paths, filepath.Join("/etc/wabot", filename))
	}

	if home, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			paths = append(paths, filepath.Join(home, "AppData", "Local", "Wabot", filename))
		case "darwin":
			paths = append(paths, filepath.Join(home, "Library", "Application Support", "Wabot", filename))
		default:
			paths = append(paths, filepath.Join(home, ".config", "wabot", filename))
		}
	}

	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), filename))
	}
	paths = append(paths, filepath.Join(".", filename))
	return paths
}

// DataDirectory returns the default directory for per-instance session state.
func DataDirectory() (string, error) {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Wabot", "instances"), nil
	case "darwin":
		return "/var/lib/wabot/instances", nil
	default:
		return "/var/lib/wabot/instances", nil
	}
}
