package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sshguardian/guardian/internal/models"
)

const geoColumns = `id, ip_address, country, country_code, city, latitude,
	longitude, asn, isp, is_proxy, is_vpn, is_tor, is_datacenter, abuse_score,
	abuse_reports, vt_positives, vt_total, threat_level, geo_expires_at,
	abuse_expires_at, vt_expires_at, first_seen_at, last_refreshed_at`

func scanGeo(row interface{ Scan(...any) error }) (models.IPGeo, error) {
	var (
		g                                             models.IPGeo
		geoExp, abuseExp, vtExp, firstSeen, refreshed int64
	)
	err := row.Scan(&g.ID, &g.IPAddress, &g.Country, &g.CountryCode, &g.City,
		&g.Latitude, &g.Longitude, &g.ASN, &g.ISP, &g.IsProxy, &g.IsVPN,
		&g.IsTor, &g.IsDatacenter, &g.AbuseScore, &g.AbuseReports,
		&g.VTPositives, &g.VTTotal, &g.ThreatLevel, &geoExp, &abuseExp,
		&vtExp, &firstSeen, &refreshed)
	if err != nil {
		return models.IPGeo{}, err
	}
	g.GeoExpiresAt = time.Unix(geoExp, 0).UTC()
	g.AbuseExpiresAt = time.Unix(abuseExp, 0).UTC()
	g.VTExpiresAt = time.Unix(vtExp, 0).UTC()
	g.FirstSeenAt = time.Unix(firstSeen, 0).UTC()
	g.LastRefreshedAt = time.Unix(refreshed, 0).UTC()
	return g, nil
}

// GetGeo returns the enrichment row for an IP.
func (s *Store) GetGeo(ctx context.Context, ip string) (models.IPGeo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+geoColumns+` FROM ip_geo WHERE ip_address = ?`, ip)
	g, err := scanGeo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IPGeo{}, ErrNotFound
	}
	if err != nil {
		return models.IPGeo{}, fmt.Errorf("get geo %s: %w", ip, err)
	}
	return g, nil
}

// UpsertGeo merges an enrichment row by IP, creating it on first encounter.
func (s *Store) UpsertGeo(ctx context.Context, g models.IPGeo) (models.IPGeo, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_geo (ip_address, country, country_code, city, latitude,
			longitude, asn, isp, is_proxy, is_vpn, is_tor, is_datacenter,
			abuse_score, abuse_reports, vt_positives, vt_total, threat_level,
			geo_expires_at, abuse_expires_at, vt_expires_at, first_seen_at,
			last_refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip_address) DO UPDATE SET
			country = excluded.country,
			country_code = excluded.country_code,
			city = excluded.city,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			asn = excluded.asn,
			isp = excluded.isp,
			is_proxy = excluded.is_proxy,
			is_vpn = excluded.is_vpn,
			is_tor = excluded.is_tor,
			is_datacenter = excluded.is_datacenter,
			abuse_score = excluded.abuse_score,
			abuse_reports = excluded.abuse_reports,
			vt_positives = excluded.vt_positives,
			vt_total = excluded.vt_total,
			threat_level = excluded.threat_level,
			geo_expires_at = excluded.geo_expires_at,
			abuse_expires_at = excluded.abuse_expires_at,
			vt_expires_at = excluded.vt_expires_at,
			last_refreshed_at = excluded.last_refreshed_at`,
		g.IPAddress, g.Country, g.CountryCode, g.City, g.Latitude,
		g.Longitude, g.ASN, g.ISP,
		g.IsProxy, g.IsVPN, g.IsTor, g.IsDatacenter, g.AbuseScore,
		g.AbuseReports, g.VTPositives, g.VTTotal, string(g.ThreatLevel),
		g.GeoExpiresAt.Unix(), g.AbuseExpiresAt.Unix(), g.VTExpiresAt.Unix(),
		now.Unix(), now.Unix())
	if err != nil {
		return models.IPGeo{}, fmt.Errorf("upsert geo %s: %w", g.IPAddress, err)
	}
	return s.GetGeo(ctx, g.IPAddress)
}
