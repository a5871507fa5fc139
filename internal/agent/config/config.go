// Package config loads the agent's JSON configuration with SSH_GUARDIAN_*
// environment overrides. Precedence: environment over file over compiled
// defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sshguardian/guardian/internal/utils"
)

// Config is the agent's runtime configuration.
type Config struct {
	ServerURL            string `json:"server_url"`
	APIKey               string `json:"api_key"`
	AgentID              string `json:"agent_id"`
	Hostname             string `json:"hostname"`
	CheckIntervalSec     int    `json:"check_interval"`
	BatchSize            int    `json:"batch_size"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval"`
	FirewallSyncSec      int    `json:"firewall_sync_interval"`
	FirewallEnabled      bool   `json:"firewall_enabled"`
	AuthLogPath          string `json:"auth_log_path"`
	StateFile            string `json:"state_file"`
	LogFile              string `json:"log_file"`
}

// Defaults returns the compiled default configuration.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		AgentID:              hostname,
		Hostname:             hostname,
		CheckIntervalSec:     10,
		BatchSize:            100,
		HeartbeatIntervalSec: 60,
		FirewallSyncSec:      300,
		FirewallEnabled:      true,
		AuthLogPath:          "/var/log/auth.log",
		StateFile:            "/var/lib/ssh-guardian/agent-state.json",
		LogFile:              "/var/log/ssh-guardian/agent.log",
	}
}

// DefaultPath is where the agent looks for its config file.
const DefaultPath = "/etc/ssh-guardian/agent.json"

// Load reads the config file (if present), then applies environment
// overrides, then validates. A missing file is not an error; the defaults
// plus environment stand alone.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults + env only
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := utils.GetenvTrim(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := utils.GetenvTrim(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr("SSH_GUARDIAN_SERVER_URL", &c.ServerURL)
	setStr("SSH_GUARDIAN_API_KEY", &c.APIKey)
	setStr("SSH_GUARDIAN_AGENT_ID", &c.AgentID)
	setStr("SSH_GUARDIAN_HOSTNAME", &c.Hostname)
	setStr("SSH_GUARDIAN_AUTH_LOG_PATH", &c.AuthLogPath)
	setStr("SSH_GUARDIAN_STATE_FILE", &c.StateFile)
	setStr("SSH_GUARDIAN_LOG_FILE", &c.LogFile)
	setInt("SSH_GUARDIAN_CHECK_INTERVAL", &c.CheckIntervalSec)
	setInt("SSH_GUARDIAN_BATCH_SIZE", &c.BatchSize)
	setInt("SSH_GUARDIAN_HEARTBEAT_INTERVAL", &c.HeartbeatIntervalSec)
	setInt("SSH_GUARDIAN_FIREWALL_SYNC_INTERVAL", &c.FirewallSyncSec)
	if v := utils.GetenvTrim("SSH_GUARDIAN_FIREWALL_ENABLED"); v != "" {
		c.FirewallEnabled = utils.ParseBool(v)
	}
}

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if c.CheckIntervalSec <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	return nil
}

// Save writes the config back to disk with owner-only permissions; the
// file carries the API key.
func (c Config) Save(path string) error {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// CheckInterval is the loop tick as a duration.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// HeartbeatInterval as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// FirewallSyncInterval as a duration.
func (c Config) FirewallSyncInterval() time.Duration {
	return time.Duration(c.FirewallSyncSec) * time.Second
}
