package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// LocationPolicy decides what happens when an agent's detected country maps
// to a region other than its pool's region during setup.
type LocationPolicy string

const (
	LocationPolicyBlock        LocationPolicy = "block"
	LocationPolicyRequireForce LocationPolicy = "require_force"
	LocationPolicyWarn         LocationPolicy = "warn"
)

// Valid reports whether p is a known policy.
func (p LocationPolicy) Valid() bool {
	switch p {
	case LocationPolicyBlock, LocationPolicyRequireForce, LocationPolicyWarn:
		return true
	}
	return false
}

// Config holds daemon listener, storage, timing and policy settings.
type Config struct {
	ConfigPath string
	DataDir    string
	DBPath     string

	ControlListen string
	AgentListen   string
	MetricsListen string

	ControlToken          string
	ControlTokenPath      string
	ControlAllowCIDRs     []string
	AgentGatewayToken     string
	AgentGatewayTokenPath string

	LockTTLSeconds           int
	SweepIntervalSeconds     int
	SetupTokenTTLHours       int
	SetupTokenMaxTTLHours    int
	AgentOnlineWindowSeconds int
	HeartbeatIntervalSeconds int
	JanitorSchedule          string
	EventRetentionDays       int

	AllowUnpooledAgents bool
	LocationPolicy      LocationPolicy

	InstanceDetailsAgeRecipients   []string
	InstanceDetailsAgeIdentityPath string

	SetupRateLimitQPS   float64
	SetupRateLimitBurst int
}

// FileConfig represents supported YAML config overrides. Pointer fields
// distinguish an explicit zero or false from an absent key.
type FileConfig struct {
	DataDir       string `yaml:"data_dir"`
	DBPath        string `yaml:"db_path"`
	ControlListen string `yaml:"control_listen"`
	AgentListen   string `yaml:"agent_listen"`
	MetricsListen string `yaml:"metrics_listen"`

	ControlToken          string   `yaml:"control_token"`
	ControlTokenPath      string   `yaml:"control_token_path"`
	ControlAllowCIDRs     []string `yaml:"control_allow_cidrs"`
	AgentGatewayToken     string   `yaml:"agent_gateway_token"`
	AgentGatewayTokenPath string   `yaml:"agent_gateway_token_path"`

	LockTTLSeconds           int    `yaml:"lock_ttl_seconds"`
	SweepIntervalSeconds     int    `yaml:"sweep_interval_seconds"`
	SetupTokenTTLHours       int    `yaml:"setup_token_ttl_hours"`
	SetupTokenMaxTTLHours    int    `yaml:"setup_token_max_ttl_hours"`
	AgentOnlineWindowSeconds int    `yaml:"agent_online_window_seconds"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	JanitorSchedule          string `yaml:"janitor_schedule"`
	EventRetentionDays       *int   `yaml:"event_retention_days"`

	AllowUnpooledAgents *bool  `yaml:"allow_unpooled_agents"`
	LocationPolicy      string `yaml:"location_policy"`

	InstanceDetailsAgeRecipients   []string `yaml:"instance_details_age_recipients"`
	InstanceDetailsAgeIdentityPath string   `yaml:"instance_details_age_identity_path"`

	SetupRateLimitQPS   *float64 `yaml:"setup_rate_limit_qps"`
	SetupRateLimitBurst *int     `yaml:"setup_rate_limit_burst"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/fleetd"
	return Config{
		ConfigPath:               "/etc/fleetd/config.yaml",
		DataDir:                  dataDir,
		DBPath:                   filepath.Join(dataDir, "fleetd.db"),
		ControlListen:            "127.0.0.1:8750",
		AgentListen:              "127.0.0.1:8751",
		MetricsListen:            "",
		LockTTLSeconds:           300,
		SweepIntervalSeconds:     60,
		SetupTokenTTLHours:       24,
		SetupTokenMaxTTLHours:    30 * 24,
		AgentOnlineWindowSeconds: 300,
		HeartbeatIntervalSeconds: 60,
		JanitorSchedule:          "@hourly",
		EventRetentionDays:       30,
		LocationPolicy:           LocationPolicyRequireForce,
		SetupRateLimitQPS:        1,
		SetupRateLimitBurst:      5,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "fleetd.db")
	}
	if cfg.ControlToken == "" && cfg.ControlTokenPath != "" {
		token, err := readTokenFile(cfg.ControlTokenPath)
		if err != nil {
			return cfg, err
		}
		cfg.ControlToken = token
	}
	if cfg.AgentGatewayToken == "" && cfg.AgentGatewayTokenPath != "" {
		token, err := readTokenFile(cfg.AgentGatewayTokenPath)
		if err != nil {
			return cfg, err
		}
		cfg.AgentGatewayToken = token
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.ControlListen != "" {
		cfg.ControlListen = fileCfg.ControlListen
	}
	if fileCfg.AgentListen != "" {
		cfg.AgentListen = fileCfg.AgentListen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.ControlToken != "" {
		cfg.ControlToken = strings.TrimSpace(fileCfg.ControlToken)
	}
	if fileCfg.ControlTokenPath != "" {
		cfg.ControlTokenPath = fileCfg.ControlTokenPath
	}
	if len(fileCfg.ControlAllowCIDRs) > 0 {
		cfg.ControlAllowCIDRs = append([]string(nil), fileCfg.ControlAllowCIDRs...)
	}
	if fileCfg.AgentGatewayToken != "" {
		cfg.AgentGatewayToken = strings.TrimSpace(fileCfg.AgentGatewayToken)
	}
	if fileCfg.AgentGatewayTokenPath != "" {
		cfg.AgentGatewayTokenPath = fileCfg.AgentGatewayTokenPath
	}
	if fileCfg.LockTTLSeconds > 0 {
		cfg.LockTTLSeconds = fileCfg.LockTTLSeconds
	}
	if fileCfg.SweepIntervalSeconds > 0 {
		cfg.SweepIntervalSeconds = fileCfg.SweepIntervalSeconds
	}
	if fileCfg.SetupTokenTTLHours > 0 {
		cfg.SetupTokenTTLHours = fileCfg.SetupTokenTTLHours
	}
	if fileCfg.SetupTokenMaxTTLHours > 0 {
		cfg.SetupTokenMaxTTLHours = fileCfg.SetupTokenMaxTTLHours
	}
	if fileCfg.AgentOnlineWindowSeconds > 0 {
		cfg.AgentOnlineWindowSeconds = fileCfg.AgentOnlineWindowSeconds
	}
	if fileCfg.HeartbeatIntervalSeconds > 0 {
		cfg.HeartbeatIntervalSeconds = fileCfg.HeartbeatIntervalSeconds
	}
	if fileCfg.JanitorSchedule != "" {
		cfg.JanitorSchedule = strings.TrimSpace(fileCfg.JanitorSchedule)
	}
	if fileCfg.EventRetentionDays != nil {
		cfg.EventRetentionDays = *fileCfg.EventRetentionDays
	}
	if fileCfg.AllowUnpooledAgents != nil {
		cfg.AllowUnpooledAgents = *fileCfg.AllowUnpooledAgents
	}
	if fileCfg.LocationPolicy != "" {
		cfg.LocationPolicy = LocationPolicy(strings.ToLower(strings.TrimSpace(fileCfg.LocationPolicy)))
	}
	if len(fileCfg.InstanceDetailsAgeRecipients) > 0 {
		cfg.InstanceDetailsAgeRecipients = append([]string(nil), fileCfg.InstanceDetailsAgeRecipients...)
	}
	if fileCfg.InstanceDetailsAgeIdentityPath != "" {
		cfg.InstanceDetailsAgeIdentityPath = fileCfg.InstanceDetailsAgeIdentityPath
	}
	if fileCfg.SetupRateLimitQPS != nil {
		cfg.SetupRateLimitQPS = *fileCfg.SetupRateLimitQPS
	}
	if fileCfg.SetupRateLimitBurst != nil {
		cfg.SetupRateLimitBurst = *fileCfg.SetupRateLimitBurst
	}
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.ControlListen == "" {
		return fmt.Errorf("control_listen is required")
	}
	if c.AgentListen == "" {
		return fmt.Errorf("agent_listen is required")
	}
	if _, _, err := net.SplitHostPort(c.ControlListen); err != nil {
		return fmt.Errorf("control_listen must be host:port: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.AgentListen); err != nil {
		return fmt.Errorf("agent_listen must be host:port: %w", err)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	if strings.TrimSpace(c.ControlToken) == "" {
		if c.ControlTokenPath != "" {
			return fmt.Errorf("control_token_path is set but empty or unreadable")
		}
		return fmt.Errorf("control_token or control_token_path is required")
	}
	if c.AgentGatewayTokenPath != "" && strings.TrimSpace(c.AgentGatewayToken) == "" {
		return fmt.Errorf("agent_gateway_token_path is set but empty or unreadable")
	}
	for _, value := range c.ControlAllowCIDRs {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("control_allow_cidrs entry %q: %w", value, err)
		}
	}
	if c.LockTTLSeconds <= 0 {
		return fmt.Errorf("lock_ttl_seconds must be positive")
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("sweep_interval_seconds must be positive")
	}
	if c.SetupTokenTTLHours <= 0 {
		return fmt.Errorf("setup_token_ttl_hours must be positive")
	}
	if c.SetupTokenMaxTTLHours < c.SetupTokenTTLHours {
		return fmt.Errorf("setup_token_max_ttl_hours must be at least setup_token_ttl_hours")
	}
	if c.AgentOnlineWindowSeconds <= 0 {
		return fmt.Errorf("agent_online_window_seconds must be positive")
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat_interval_seconds must be positive")
	}
	if c.EventRetentionDays < 0 {
		return fmt.Errorf("event_retention_days must not be negative")
	}
	if strings.TrimSpace(c.JanitorSchedule) != "" {
		if _, err := cron.ParseStandard(c.JanitorSchedule); err != nil {
			return fmt.Errorf("janitor_schedule: %w", err)
		}
	}
	if !c.LocationPolicy.Valid() {
		return fmt.Errorf("location_policy must be one of block, require_force, warn (got %q)", c.LocationPolicy)
	}
	if c.SetupRateLimitQPS < 0 || c.SetupRateLimitBurst < 0 {
		return fmt.Errorf("setup rate limits must not be negative")
	}
	return nil
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) SetupTokenTTL() time.Duration {
	return time.Duration(c.SetupTokenTTLHours) * time.Hour
}

func (c Config) SetupTokenMaxTTL() time.Duration {
	return time.Duration(c.SetupTokenMaxTTLHours) * time.Hour
}

func (c Config) AgentOnlineWindow() time.Duration {
	return time.Duration(c.AgentOnlineWindowSeconds) * time.Second
}

// EventRetention is zero when pruning is disabled.
func (c Config) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionDays) * 24 * time.Hour
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
