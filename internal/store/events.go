package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sshguardian/guardian/internal/models"
)

// InsertAuthEvent stores a parsed event. A duplicate event UUID is a silent
// no-op; the bool reports whether a row was created.
func (s *Store) InsertAuthEvent(ctx context.Context, e models.AuthEvent) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_events (event_uuid, timestamp, source_type, agent_id,
			event_type, auth_method, failure_reason, source_ip, source_port,
			username, target_port, geo_id, raw_line)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_uuid) DO NOTHING`,
		e.EventUUID, e.Timestamp.Unix(), string(e.SourceType), e.AgentID,
		string(e.EventType), e.AuthMethod, e.FailureReason, e.SourceIP,
		e.SourcePort, e.Username, e.TargetPort, e.GeoID, e.RawLine)
	if err != nil {
		return 0, false, fmt.Errorf("insert auth event: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, false, nil
	}
	id, _ := res.LastInsertId()
	return id, true, nil
}

// LinkEventBlock records the block that resulted from an event.
func (s *Store) LinkEventBlock(ctx context.Context, eventID, blockID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_events SET block_id = ? WHERE id = ?`, blockID, eventID)
	if err != nil {
		return fmt.Errorf("link event %d to block %d: %w", eventID, blockID, err)
	}
	return nil
}

// IPWindowStats are the windowed behavioral aggregates for one source IP,
// feeding the feature extractor.
type IPWindowStats struct {
	AttemptsLastMinute  int
	AttemptsLastHour    int
	UniqueUsersLastHour int
	UniqueAgentsLastHour int
	FailuresLast24h     int
	TotalLast24h        int
	ConsecutiveFailures int
	LifetimeAttempts    int
	LifetimeSuccesses   int
	LastAttemptAt       *time.Time
	FirstSeen           bool
}

// IPStatsBefore computes the behavioral window aggregates for ip over events
// strictly before the given instant.
func (s *Store) IPStatsBefore(ctx context.Context, ip string, at time.Time) (IPWindowStats, error) {
	var stats IPWindowStats
	now := at.Unix()

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN timestamp >= ? THEN 1 END),
			COUNT(CASE WHEN timestamp >= ? THEN 1 END),
			COUNT(DISTINCT CASE WHEN timestamp >= ? THEN username END),
			COUNT(DISTINCT CASE WHEN timestamp >= ? THEN agent_id END),
			COUNT(CASE WHEN timestamp >= ? AND event_type = 'failed' THEN 1 END),
			COUNT(CASE WHEN timestamp >= ? THEN 1 END),
			COUNT(*),
			COUNT(CASE WHEN event_type = 'successful' THEN 1 END),
			MAX(timestamp)
		FROM auth_events
		WHERE source_ip = ? AND timestamp < ?`,
		now-60, now-3600, now-3600, now-3600, now-86400, now-86400,
		ip, now+1).Scan(
		&stats.AttemptsLastMinute, &stats.AttemptsLastHour,
		&stats.UniqueUsersLastHour, &stats.UniqueAgentsLastHour,
		&stats.FailuresLast24h, &stats.TotalLast24h,
		&stats.LifetimeAttempts, &stats.LifetimeSuccesses,
		&sqlNullTimeScanner{&stats.LastAttemptAt})
	if err != nil {
		return IPWindowStats{}, fmt.Errorf("ip window stats for %s: %w", ip, err)
	}

	stats.FirstSeen = stats.LifetimeAttempts == 0

	consecutive, err := s.consecutiveFailures(ctx, ip, now)
	if err != nil {
		return IPWindowStats{}, err
	}
	stats.ConsecutiveFailures = consecutive
	return stats, nil
}

// consecutiveFailures counts the failed-event run at the tail of this IP's
// history. Bounded at 100 recent events.
func (s *Store) consecutiveFailures(ctx context.Context, ip string, before int64) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type FROM auth_events
		WHERE source_ip = ? AND timestamp <= ?
		ORDER BY timestamp DESC, id DESC LIMIT 100`, ip, before)
	if err != nil {
		return 0, fmt.Errorf("consecutive failures for %s: %w", ip, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var eventType string
		if err := rows.Scan(&eventType); err != nil {
			return 0, err
		}
		if eventType != string(models.EventFailed) {
			break
		}
		count++
	}
	return count, rows.Err()
}

// CountriesForUsername returns the distinct enrichment country codes from
// which a username has previously authenticated successfully.
func (s *Store) CountriesForUsername(ctx context.Context, username string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT g.country_code
		FROM auth_events e
		JOIN ip_geo g ON g.id = e.geo_id
		WHERE e.username = ? AND e.event_type = 'successful' AND g.country_code != ''`,
		username)
	if err != nil {
		return nil, fmt.Errorf("countries for %s: %w", username, err)
	}
	defer rows.Close()

	var countries []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		countries = append(countries, strings.ToUpper(code))
	}
	return countries, rows.Err()
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// LocationsForUsername returns the distinct coordinates from which a
// username has previously authenticated successfully.
func (s *Store) LocationsForUsername(ctx context.Context, username string) ([]GeoPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT g.latitude, g.longitude
		FROM auth_events e
		JOIN ip_geo g ON g.id = e.geo_id
		WHERE e.username = ? AND e.event_type = 'successful'
		  AND (g.latitude != 0 OR g.longitude != 0)`,
		username)
	if err != nil {
		return nil, fmt.Errorf("locations for %s: %w", username, err)
	}
	defer rows.Close()

	var points []GeoPoint
	for rows.Next() {
		var p GeoPoint
		if err := rows.Scan(&p.Lat, &p.Lon); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// InsertEventML stores the scoring sidecar for an event.
func (s *Store) InsertEventML(ctx context.Context, ml models.AuthEventML) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_events_ml (event_id, model_id, risk_score, threat_type,
			confidence, is_anomaly, features, inference_ms, block_emitted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ml.EventID, ml.ModelID, ml.RiskScore, ml.ThreatType, ml.Confidence,
		ml.IsAnomaly, ml.Features, ml.InferenceMS, ml.BlockEmitted,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert event ml sidecar: %w", err)
	}
	return nil
}

// CountEvents returns the total auth_events row count (test and ops helper).
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM auth_events`).Scan(&n)
	return n, err
}

// sqlNullTimeScanner adapts a **time.Time into a sql.Scanner over nullable
// unix seconds.
type sqlNullTimeScanner struct {
	dst **time.Time
}

func (s *sqlNullTimeScanner) Scan(src any) error {
	if src == nil {
		*s.dst = nil
		return nil
	}
	var secs int64
	switch v := src.(type) {
	case int64:
		secs = v
	case float64:
		secs = int64(v)
	default:
		return errors.New("unsupported timestamp type")
	}
	t := time.Unix(secs, 0).UTC()
	*s.dst = &t
	return nil
}

var _ sql.Scanner = (*sqlNullTimeScanner)(nil)
