package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"ibsupervisor/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the supervisor daemon.
type Config struct {
	Logging    Logging    `yaml:"logging"`
	Gateway    Gateway    `yaml:"gateway"`
	Supervisor Supervisor `yaml:"supervisor"`
	Login      Login      `yaml:"login"`
	Transport  Transport  `yaml:"transport"`
	Server     Server     `yaml:"server"`
	Storage    Storage    `yaml:"storage"`
	Registry   Registry   `yaml:"registry"`

	// Credentials maps broker ids to login credentials for sessions
	// restored from the ledger at startup.
	Credentials map[string]domain.Credentials `yaml:"credentials"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Gateway describes how the Client Portal gateway binary is launched.
type Gateway struct {
	RunScript    string        `yaml:"run_script" env:"GATEWAY_RUN_SCRIPT"`
	ConfigPath   string        `yaml:"config_path" env:"GATEWAY_CONFIG_PATH"`
	Host         string        `yaml:"host" env:"GATEWAY_HOST"`
	BasePort     int           `yaml:"base_port" env:"GATEWAY_BASE_PORT"`
	StartupCheck time.Duration `yaml:"startup_check"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
}

// Supervisor holds the keep-alive cadence and escalation thresholds.
type Supervisor struct {
	TickInterval         time.Duration `yaml:"tick_interval"`
	GatewayPollInterval  time.Duration `yaml:"gateway_poll_interval"`
	ReauthInterval       time.Duration `yaml:"reauth_interval"`
	AuthStatusPoll       time.Duration `yaml:"auth_status_poll"`
	AuthStatusTimeout    time.Duration `yaml:"auth_status_timeout"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	ValidateTimeout      time.Duration `yaml:"validate_timeout"`
	MaxAuthFailures      int           `yaml:"max_auth_failures"`
	MaxTransientFailures int           `yaml:"max_transient_failures"`
	MaxLoginFailures     int           `yaml:"max_login_failures"`
	RequestsPerMinute    int           `yaml:"requests_per_minute"`
}

// Login selects and tunes the login strategy.
type Login struct {
	// Mode is one of "credentials", "interactive" or "manual".
	Mode          string        `yaml:"mode" env:"LOGIN_MODE"`
	Attempts      int           `yaml:"attempts"`
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
	PageTimeout   time.Duration `yaml:"page_timeout"`
	BrowserPath   string        `yaml:"browser_path" env:"LOGIN_BROWSER_PATH"`
	Headless      bool          `yaml:"headless"`
	SuccessMarker string        `yaml:"success_marker"`
	FailureMarker string        `yaml:"failure_marker"`
}

// Transport configures the external command bus.
type Transport struct {
	// Kind is "redis" or "none" (gRPC only).
	Kind          string `yaml:"kind" env:"TRANSPORT_KIND"`
	Broker        string `yaml:"broker"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	CommandsKey   string `yaml:"commands_key"`
	RepliesStream string `yaml:"replies_stream"`
	OutboxSize    int    `yaml:"outbox_size"`

	// Workers bounds how many commands are dispatched concurrently.
	Workers int `yaml:"workers" env:"TRANSPORT_WORKERS"`

	// DedupeTTL is how long a msg_id is remembered for duplicate
	// suppression.
	DedupeTTL     time.Duration `yaml:"dedupe_ttl"`
	DedupeMaxSize int           `yaml:"dedupe_max_size"`
}

// Server holds network listener configuration.
type Server struct {
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
	GRPCAddr string `yaml:"grpc_addr" env:"GRPC_ADDR"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	ArchiveDir string `yaml:"archive_dir" env:"ARCHIVE_DIR"`
}

// Registry configures session bookkeeping.
type Registry struct {
	RestoreOnStart bool `yaml:"restore_on_start" env:"REGISTRY_RESTORE"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, fills defaults
// for unset fields, applies environment variable overrides and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides decodes `env` struct tags on top of the file values.
// Variables that are not set leave the file values untouched.
func applyEnvOverrides(cfg *Config) error {
	err := envdecode.Decode(cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("decoding environment: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	gw := &cfg.Gateway
	if gw.RunScript == "" {
		gw.RunScript = "clientportal.gw/bin/run.sh"
	}
	if gw.ConfigPath == "" {
		gw.ConfigPath = "clientportal.gw/root/conf.yaml"
	}
	if gw.Host == "" {
		gw.Host = "localhost"
	}
	if gw.BasePort == 0 {
		gw.BasePort = 5000
	}
	setDuration(&gw.StartupCheck, 500*time.Millisecond)
	setDuration(&gw.StopTimeout, 10*time.Second)

	sv := &cfg.Supervisor
	setDuration(&sv.TickInterval, 10*time.Second)
	setDuration(&sv.GatewayPollInterval, time.Second)
	setDuration(&sv.ReauthInterval, 20*time.Minute)
	setDuration(&sv.AuthStatusPoll, time.Second)
	setDuration(&sv.AuthStatusTimeout, 30*time.Second)
	setDuration(&sv.RequestTimeout, 5*time.Second)
	setDuration(&sv.ValidateTimeout, 2*time.Second)
	setInt(&sv.MaxAuthFailures, 3)
	setInt(&sv.MaxTransientFailures, 6)
	setInt(&sv.MaxLoginFailures, 5)
	setInt(&sv.RequestsPerMinute, 600)

	lg := &cfg.Login
	if lg.Mode == "" {
		lg.Mode = "credentials"
	}
	setInt(&lg.Attempts, 3)
	setDuration(&lg.VerifyTimeout, 30*time.Second)
	setDuration(&lg.PageTimeout, 60*time.Second)
	if lg.SuccessMarker == "" {
		lg.SuccessMarker = "Client login succeeds"
	}
	if lg.FailureMarker == "" {
		lg.FailureMarker = "Invalid username password combination"
	}

	tr := &cfg.Transport
	if tr.Kind == "" {
		tr.Kind = "redis"
	}
	if tr.Broker == "" {
		tr.Broker = "ib"
	}
	if tr.RedisAddr == "" {
		tr.RedisAddr = "localhost:6379"
	}
	if tr.CommandsKey == "" {
		tr.CommandsKey = "ib:commands"
	}
	if tr.RepliesStream == "" {
		tr.RepliesStream = "ib:replies"
	}
	setInt(&tr.OutboxSize, 1024)
	setInt(&tr.Workers, 8)
	setDuration(&tr.DedupeTTL, 10*time.Minute)
	setInt(&tr.DedupeMaxSize, 10000)

	if cfg.Server.GRPCAddr == "" {
		cfg.Server.GRPCAddr = ":9090"
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":8080"
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "ibsupervisor.db"
	}
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.Login.Mode {
	case "credentials", "interactive", "manual":
	default:
		return fmt.Errorf("login.mode %q: must be credentials, interactive or manual", c.Login.Mode)
	}
	switch c.Transport.Kind {
	case "redis", "none":
	default:
		return fmt.Errorf("transport.kind %q: must be redis or none", c.Transport.Kind)
	}
	if c.Gateway.BasePort <= 0 || c.Gateway.BasePort > 65535 {
		return fmt.Errorf("gateway.base_port %d out of range", c.Gateway.BasePort)
	}
	return nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func setInt(n *int, def int) {
	if *n == 0 {
		*n = def
	}
}
