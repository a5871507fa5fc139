// Package config loads the server configuration from a .env file plus
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/sshguardian/guardian/internal/utils"
)

// Config is the server's runtime configuration.
type Config struct {
	ListenAddr string
	DataDir    string

	LogLevel  string
	LogFormat string
	LogFile   string

	AbuseIPDBKey  string
	VirusTotalKey string
	GeoURL        string

	HighRiskCountries []string
	ServerTimezone    int // UTC offset hours of the protected estate

	DefaultBlockMinutes int
	UnblockSweepEvery   time.Duration
	DisconnectSweep     time.Duration
	MaxInflightBatches  int
	BatchTimeout        time.Duration
}

// Defaults returns the compiled defaults.
func Defaults() Config {
	return Config{
		ListenAddr:          ":7655",
		DataDir:             "/var/lib/ssh-guardian",
		LogLevel:            "info",
		LogFormat:           "auto",
		HighRiskCountries:   []string{},
		DefaultBlockMinutes: 60,
		UnblockSweepEvery:   time.Minute,
		DisconnectSweep:     30 * time.Second,
		MaxInflightBatches:  8,
		BatchTimeout:        30 * time.Second,
	}
}

// Load reads .env (if present) into the process environment, then builds
// the config from GUARDIAN_* variables over the defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := Defaults()

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
	setDur := func(key string, dst *time.Duration) {
		if v := utils.GetenvTrim(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setStr("GUARDIAN_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("GUARDIAN_DATA_DIR", &cfg.DataDir)
	setStr("GUARDIAN_LOG_LEVEL", &cfg.LogLevel)
	setStr("GUARDIAN_LOG_FORMAT", &cfg.LogFormat)
	setStr("GUARDIAN_LOG_FILE", &cfg.LogFile)
	setStr("GUARDIAN_ABUSEIPDB_KEY", &cfg.AbuseIPDBKey)
	setStr("GUARDIAN_VIRUSTOTAL_KEY", &cfg.VirusTotalKey)
	setStr("GUARDIAN_GEO_URL", &cfg.GeoURL)
	setInt("GUARDIAN_SERVER_TIMEZONE", &cfg.ServerTimezone)
	setInt("GUARDIAN_DEFAULT_BLOCK_MINUTES", &cfg.DefaultBlockMinutes)
	setInt("GUARDIAN_MAX_INFLIGHT_BATCHES", &cfg.MaxInflightBatches)
	setDur("GUARDIAN_UNBLOCK_SWEEP_EVERY", &cfg.UnblockSweepEvery)
	setDur("GUARDIAN_DISCONNECT_SWEEP", &cfg.DisconnectSweep)
	setDur("GUARDIAN_BATCH_TIMEOUT", &cfg.BatchTimeout)

	if v := utils.GetenvTrim("GUARDIAN_HIGH_RISK_COUNTRIES"); v != "" {
		cfg.HighRiskCountries = nil
		for _, code := range strings.Split(v, ",") {
			code = strings.ToUpper(strings.TrimSpace(code))
			if code != "" {
				cfg.HighRiskCountries = append(cfg.HighRiskCountries, code)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unusable configurations.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	if c.DefaultBlockMinutes <= 0 {
		return fmt.Errorf("default block minutes must be positive")
	}
	return nil
}
