package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Setting keys used by the scoring and blocking pipeline. Weights live in
// system_settings so operators can rebalance layers without a redeploy.
const (
	SettingWeightRule       = "scoring.weight_rule"
	SettingWeightAnomaly    = "scoring.weight_anomaly"
	SettingWeightReputation = "scoring.weight_reputation"
	SettingWeightGeographic = "scoring.weight_geographic"
	SettingMLBlockThreshold = "blocking.ml_threshold"
	SettingDefaultBlockMins = "blocking.default_minutes"
)

var defaultSettings = map[string]string{
	SettingWeightRule:       "0.25",
	SettingWeightAnomaly:    "0.30",
	SettingWeightReputation: "0.35",
	SettingWeightGeographic: "0.10",
	SettingMLBlockThreshold: "61",
	SettingDefaultBlockMins: "60",
}

func (s *Store) seedSettings() error {
	now := time.Now().Unix()
	for key, value := range defaultSettings {
		if _, err := s.db.Exec(
			`INSERT INTO system_settings (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO NOTHING`, key, value, now); err != nil {
			return fmt.Errorf("seed setting %s: %w", key, err)
		}
	}
	return nil
}

// GetSetting returns the stored value for key, or the compiled default.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM system_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if fallback, ok := defaultSettings[key]; ok {
			return fallback, nil
		}
		return "", fmt.Errorf("unknown setting %q", key)
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// GetFloatSetting reads a setting and parses it as a float.
func (s *Store) GetFloatSetting(ctx context.Context, key string) (float64, error) {
	raw, err := s.GetSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not numeric: %w", key, err)
	}
	return value, nil
}

// ScoringWeights returns the four layer weights in rule, anomaly,
// reputation, geographic order.
func (s *Store) ScoringWeights(ctx context.Context) (rule, anomaly, reputation, geographic float64, err error) {
	if rule, err = s.GetFloatSetting(ctx, SettingWeightRule); err != nil {
		return
	}
	if anomaly, err = s.GetFloatSetting(ctx, SettingWeightAnomaly); err != nil {
		return
	}
	if reputation, err = s.GetFloatSetting(ctx, SettingWeightReputation); err != nil {
		return
	}
	geographic, err = s.GetFloatSetting(ctx, SettingWeightGeographic)
	return
}
