// Package store is the single repository layer over the guardian SQLite
// database. All SQL lives here; the rest of the server uses the typed API.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Config configures the store.
type Config struct {
	DataDir               string
	HeartbeatRetention    time.Duration // default 7 days
	BatchRetention        time.Duration // default 30 days
	RetentionSweepEvery   time.Duration // default 1 hour
	DisableRetentionSweep bool
}

const (
	defaultHeartbeatRetention = 7 * 24 * time.Hour
	defaultBatchRetention     = 30 * 24 * time.Hour
	defaultRetentionSweep     = time.Hour
)

// Store wraps the SQLite database with the repository API used by the
// ingest pipeline, the blocker, and the HTTP handlers.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	heartbeatRetention time.Duration
	batchRetention     time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open opens (creating if needed) the guardian database under cfg.DataDir
// and initializes the schema.
func Open(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "guardian.db")

	// Pragmas in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open guardian database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:                 db,
		logger:             logger.With().Str("component", "store").Logger(),
		heartbeatRetention: cfg.HeartbeatRetention,
		batchRetention:     cfg.BatchRetention,
		stopChan:           make(chan struct{}),
	}
	if s.heartbeatRetention <= 0 {
		s.heartbeatRetention = defaultHeartbeatRetention
	}
	if s.batchRetention <= 0 {
		s.batchRetention = defaultBatchRetention
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := s.seedSettings(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed settings: %w", err)
	}
	if err := s.seedRules(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed rules: %w", err)
	}

	if !cfg.DisableRetentionSweep {
		sweepEvery := cfg.RetentionSweepEvery
		if sweepEvery <= 0 {
			sweepEvery = defaultRetentionSweep
		}
		s.wg.Add(1)
		go s.retentionWorker(sweepEvery)
	}

	s.logger.Info().Str("dbPath", dbPath).Msg("guardian store opened")
	return s, nil
}

// Close stops background workers and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL UNIQUE,
		api_key_hash TEXT NOT NULL,
		hostname TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		environment TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		features TEXT NOT NULL DEFAULT '{}',
		is_approved INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'pending',
		health TEXT NOT NULL DEFAULT 'unknown',
		last_heartbeat INTEGER,
		heartbeat_interval_sec INTEGER NOT NULL DEFAULT 60,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_uuid TEXT NOT NULL UNIQUE,
		timestamp INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		agent_id INTEGER REFERENCES agents(id) ON DELETE SET NULL,
		event_type TEXT NOT NULL,
		auth_method TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		source_ip TEXT NOT NULL,
		source_port INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		target_port INTEGER NOT NULL DEFAULT 0,
		geo_id INTEGER REFERENCES ip_geo(id) ON DELETE SET NULL,
		block_id INTEGER REFERENCES ip_blocks(id) ON DELETE SET NULL,
		raw_line TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_auth_events_ip_time ON auth_events(source_ip, timestamp);
	CREATE INDEX IF NOT EXISTS idx_auth_events_time ON auth_events(timestamp);

	CREATE TABLE IF NOT EXISTS ip_geo (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip_address TEXT NOT NULL UNIQUE,
		country TEXT NOT NULL DEFAULT '',
		country_code TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		latitude REAL NOT NULL DEFAULT 0,
		longitude REAL NOT NULL DEFAULT 0,
		asn TEXT NOT NULL DEFAULT '',
		isp TEXT NOT NULL DEFAULT '',
		is_proxy INTEGER NOT NULL DEFAULT 0,
		is_vpn INTEGER NOT NULL DEFAULT 0,
		is_tor INTEGER NOT NULL DEFAULT 0,
		is_datacenter INTEGER NOT NULL DEFAULT 0,
		abuse_score INTEGER NOT NULL DEFAULT 0,
		abuse_reports INTEGER NOT NULL DEFAULT 0,
		vt_positives INTEGER NOT NULL DEFAULT 0,
		vt_total INTEGER NOT NULL DEFAULT 0,
		threat_level TEXT NOT NULL DEFAULT 'unknown',
		geo_expires_at INTEGER NOT NULL DEFAULT 0,
		abuse_expires_at INTEGER NOT NULL DEFAULT 0,
		vt_expires_at INTEGER NOT NULL DEFAULT 0,
		first_seen_at INTEGER NOT NULL,
		last_refreshed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blocking_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 100,
		enabled INTEGER NOT NULL DEFAULT 1,
		conditions TEXT NOT NULL DEFAULT '{}',
		severity INTEGER NOT NULL DEFAULT 0,
		block_minutes INTEGER NOT NULL DEFAULT 60,
		permanent INTEGER NOT NULL DEFAULT 0,
		auto_unblock INTEGER NOT NULL DEFAULT 1,
		notifications TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ip_blocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ip_address TEXT NOT NULL,
		cidr TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		block_type TEXT NOT NULL DEFAULT '',
		rule_id INTEGER REFERENCES blocking_rules(id) ON DELETE SET NULL,
		event_id INTEGER REFERENCES auth_events(id) ON DELETE SET NULL,
		agent_id INTEGER REFERENCES agents(id) ON DELETE SET NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		auto_unblock INTEGER NOT NULL DEFAULT 1,
		blocked_at INTEGER NOT NULL,
		unblock_at INTEGER,
		unblocked_at INTEGER,
		unblock_reason TEXT NOT NULL DEFAULT '',
		last_attempt_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ip_blocks_active
		ON ip_blocks(ip_address, COALESCE(agent_id, -1)) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_ip_blocks_sweep ON ip_blocks(is_active, unblock_at);

	CREATE TABLE IF NOT EXISTS blocking_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action_uuid TEXT NOT NULL,
		block_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_blocking_actions_block ON blocking_actions(block_id);
	CREATE INDEX IF NOT EXISTS idx_blocking_actions_uuid ON blocking_actions(action_uuid);

	CREATE TABLE IF NOT EXISTS agent_ufw_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_uuid TEXT NOT NULL UNIQUE,
		agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		action TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		raw_command TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		sent_at INTEGER,
		executed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_ufw_commands_pending ON agent_ufw_commands(agent_id, status, id);

	CREATE TABLE IF NOT EXISTS agent_ufw_state (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL UNIQUE REFERENCES agents(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'inactive',
		default_incoming TEXT NOT NULL DEFAULT '',
		default_outgoing TEXT NOT NULL DEFAULT '',
		default_routed TEXT NOT NULL DEFAULT '',
		logging_level TEXT NOT NULL DEFAULT '',
		ipv6_enabled INTEGER NOT NULL DEFAULT 0,
		version TEXT NOT NULL DEFAULT '',
		rule_count INTEGER NOT NULL DEFAULT 0,
		collected_at INTEGER NOT NULL,
		submitted_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_ufw_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		rule_number INTEGER NOT NULL,
		raw_rule TEXT NOT NULL,
		action TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL DEFAULT '',
		to_target TEXT NOT NULL DEFAULT '',
		from_source TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_ufw_rules_agent ON agent_ufw_rules(agent_id, rule_number);

	CREATE TABLE IF NOT EXISTS agent_log_batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_uuid TEXT NOT NULL UNIQUE,
		agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		hostname TEXT NOT NULL DEFAULT '',
		source_filename TEXT NOT NULL DEFAULT '',
		declared_count INTEGER NOT NULL DEFAULT 0,
		events_created INTEGER NOT NULL DEFAULT 0,
		events_failed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'received',
		error TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS agent_heartbeats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		cpu_percent REAL NOT NULL DEFAULT 0,
		memory_percent REAL NOT NULL DEFAULT 0,
		disk_percent REAL NOT NULL DEFAULT 0,
		uptime_seconds INTEGER NOT NULL DEFAULT 0,
		health TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_heartbeats_time ON agent_heartbeats(received_at);

	CREATE TABLE IF NOT EXISTS auth_events_ml (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER NOT NULL REFERENCES auth_events(id) ON DELETE CASCADE,
		model_id TEXT NOT NULL DEFAULT '',
		risk_score REAL NOT NULL DEFAULT 0,
		threat_type TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		is_anomaly INTEGER NOT NULL DEFAULT 0,
		features TEXT NOT NULL DEFAULT '{}',
		inference_ms REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		block_emitted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fail2ban_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		jail TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		observed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS system_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) retentionWorker(every time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runRetention(context.Background())
		}
	}
}

func (s *Store) runRetention(ctx context.Context) {
	now := time.Now()

	if res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_heartbeats WHERE received_at < ?`,
		now.Add(-s.heartbeatRetention).Unix()); err != nil {
		s.logger.Error().Err(err).Msg("heartbeat retention sweep failed")
	} else if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug().Int64("deleted", n).Msg("pruned old heartbeats")
	}

	if res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_log_batches WHERE received_at < ?`,
		now.Add(-s.batchRetention).Unix()); err != nil {
		s.logger.Error().Err(err).Msg("batch retention sweep failed")
	} else if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug().Int64("deleted", n).Msg("pruned old log batches")
	}

	if res, err := s.db.ExecContext(ctx,
		`DELETE FROM ip_geo WHERE geo_expires_at < ? AND abuse_expires_at < ? AND vt_expires_at < ?`,
		now.Unix(), now.Unix(), now.Unix()); err != nil {
		s.logger.Error().Err(err).Msg("enrichment retention sweep failed")
	} else if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug().Int64("deleted", n).Msg("pruned expired enrichment rows")
	}
}

// nullTime converts a nullable unix-seconds column to *time.Time.
func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// timePtr converts a *time.Time to a nullable unix-seconds value.
func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
