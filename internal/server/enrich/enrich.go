// Package enrich attaches geolocation and reputation data to observed IPs
// with bounded latency and bounded external API spend. Results are cached
// in the store; per-(provider, ip) singleflight guarantees at most one
// in-flight external call per fingerprint.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sshguardian/guardian/internal/models"
	"github.com/sshguardian/guardian/internal/store"
	"golang.org/x/sync/singleflight"
)

// TTLs per data class. Reputation is kept fresh; geolocation is essentially
// static; failures and clean results are negative-cached briefly.
const (
	AbuseTTL    = 5 * time.Minute
	VTTTL       = time.Hour
	GeoTTL      = 24 * time.Hour
	NegativeTTL = time.Hour

	reputationTimeout = 10 * time.Second
	geoTimeout        = 5 * time.Second
)

// Config holds provider endpoints and credentials. Empty keys disable the
// corresponding provider.
type Config struct {
	AbuseIPDBKey  string
	AbuseIPDBURL  string // default https://api.abuseipdb.com
	VirusTotalKey string
	VirusTotalURL string // default https://www.virustotal.com
	GeoURL        string // default http://ip-api.com
}

// Service is the enrichment layer. Safe for concurrent use.
type Service struct {
	cfg    Config
	store  *store.Store
	client *http.Client
	logger zerolog.Logger
	group  singleflight.Group
}

// New constructs the enrichment service.
func New(cfg Config, st *store.Store, logger zerolog.Logger) *Service {
	if cfg.AbuseIPDBURL == "" {
		cfg.AbuseIPDBURL = "https://api.abuseipdb.com"
	}
	if cfg.VirusTotalURL == "" {
		cfg.VirusTotalURL = "https://www.virustotal.com"
	}
	if cfg.GeoURL == "" {
		cfg.GeoURL = "http://ip-api.com"
	}
	return &Service{
		cfg:    cfg,
		store:  st,
		client: &http.Client{Timeout: reputationTimeout},
		logger: logger.With().Str("component", "enrich").Logger(),
	}
}

// Lookup returns the enrichment row for ip, refreshing any expired provider
// data. Failures are best-effort: the caller always receives whatever
// fields are present.
func (s *Service) Lookup(ctx context.Context, ip string) (models.IPGeo, error) {
	if isPrivateOrLoopback(ip) {
		return s.syntheticClean(ctx, ip)
	}

	now := time.Now()
	geo, err := s.store.GetGeo(ctx, ip)
	if err != nil && err != store.ErrNotFound {
		return models.IPGeo{}, err
	}
	if err == store.ErrNotFound {
		geo = models.IPGeo{IPAddress: ip, ThreatLevel: models.ThreatUnknown}
	}

	refreshed := false
	if now.After(geo.GeoExpiresAt) {
		s.refreshGeo(ctx, &geo)
		refreshed = true
	}
	if now.After(geo.AbuseExpiresAt) {
		s.refreshAbuse(ctx, &geo)
		refreshed = true
	}
	if now.After(geo.VTExpiresAt) {
		s.refreshVT(ctx, &geo)
		refreshed = true
	}

	if refreshed {
		geo.ThreatLevel = deriveThreatLevel(geo)
		stored, err := s.store.UpsertGeo(ctx, geo)
		if err != nil {
			return models.IPGeo{}, err
		}
		return stored, nil
	}
	return geo, nil
}

func (s *Service) syntheticClean(ctx context.Context, ip string) (models.IPGeo, error) {
	geo, err := s.store.GetGeo(ctx, ip)
	if err == nil {
		return geo, nil
	}
	if err != store.ErrNotFound {
		return models.IPGeo{}, err
	}
	far := time.Now().Add(365 * 24 * time.Hour)
	return s.store.UpsertGeo(ctx, models.IPGeo{
		IPAddress:      ip,
		ThreatLevel:    models.ThreatClean,
		GeoExpiresAt:   far,
		AbuseExpiresAt: far,
		VTExpiresAt:    far,
	})
}

// refreshGeo fetches geolocation/ASN data. Singleflight key is provider+ip.
func (s *Service) refreshGeo(ctx context.Context, geo *models.IPGeo) {
	result, err, _ := s.group.Do("geo:"+geo.IPAddress, func() (any, error) {
		return s.fetchGeo(ctx, geo.IPAddress)
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("ip", geo.IPAddress).Msg("geo lookup failed, negative caching")
		geo.GeoExpiresAt = time.Now().Add(NegativeTTL)
		return
	}
	r := result.(geoResult)
	geo.Country = r.Country
	geo.CountryCode = r.CountryCode
	geo.City = r.City
	geo.Latitude = r.Lat
	geo.Longitude = r.Lon
	geo.ASN = r.AS
	geo.ISP = r.ISP
	geo.IsProxy = r.Proxy
	geo.IsDatacenter = r.Hosting
	geo.GeoExpiresAt = time.Now().Add(GeoTTL)
}

func (s *Service) refreshAbuse(ctx context.Context, geo *models.IPGeo) {
	if s.cfg.AbuseIPDBKey == "" {
		geo.AbuseExpiresAt = time.Now().Add(NegativeTTL)
		return
	}
	result, err, _ := s.group.Do("abuse:"+geo.IPAddress, func() (any, error) {
		return s.fetchAbuse(ctx, geo.IPAddress)
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("ip", geo.IPAddress).Msg("abuseipdb lookup failed, negative caching")
		geo.AbuseExpiresAt = time.Now().Add(NegativeTTL)
		return
	}
	r := result.(abuseResult)
	geo.AbuseScore = r.AbuseConfidenceScore
	geo.AbuseReports = r.TotalReports
	if r.IsTor {
		geo.IsTor = true
	}
	geo.AbuseExpiresAt = time.Now().Add(AbuseTTL)
}

func (s *Service) refreshVT(ctx context.Context, geo *models.IPGeo) {
	if s.cfg.VirusTotalKey == "" {
		geo.VTExpiresAt = time.Now().Add(NegativeTTL)
		return
	}
	result, err, _ := s.group.Do("vt:"+geo.IPAddress, func() (any, error) {
		return s.fetchVT(ctx, geo.IPAddress)
	})
	if err != nil {
		s.logger.Debug().Err(err).Str("ip", geo.IPAddress).Msg("virustotal lookup failed, negative caching")
		geo.VTExpiresAt = time.Now().Add(NegativeTTL)
		return
	}
	r := result.(vtResult)
	geo.VTPositives = r.Malicious + r.Suspicious
	geo.VTTotal = r.Malicious + r.Suspicious + r.Harmless + r.Undetected
	geo.VTExpiresAt = time.Now().Add(VTTTL)
}

type geoResult struct {
	Status      string `json:"status"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string `json:"isp"`
	AS          string `json:"as"`
	Proxy       bool   `json:"proxy"`
	Hosting     bool   `json:"hosting"`
}

func (s *Service) fetchGeo(ctx context.Context, ip string) (geoResult, error) {
	ctx, cancel := context.WithTimeout(ctx, geoTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/json/%s?fields=status,country,countryCode,city,lat,lon,isp,as,proxy,hosting",
		s.cfg.GeoURL, url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return geoResult{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return geoResult{}, fmt.Errorf("geo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return geoResult{}, fmt.Errorf("geo provider returned %d", resp.StatusCode)
	}

	var out geoResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return geoResult{}, fmt.Errorf("decode geo response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return geoResult{}, fmt.Errorf("geo provider status %q", out.Status)
	}
	return out, nil
}

type abuseResult struct {
	AbuseConfidenceScore int  `json:"abuseConfidenceScore"`
	TotalReports         int  `json:"totalReports"`
	IsTor                bool `json:"isTor"`
}

func (s *Service) fetchAbuse(ctx context.Context, ip string) (abuseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, reputationTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/v2/check?ipAddress=%s&maxAgeInDays=90",
		s.cfg.AbuseIPDBURL, url.QueryEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return abuseResult{}, err
	}
	req.Header.Set("Key", s.cfg.AbuseIPDBKey)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return abuseResult{}, fmt.Errorf("abuseipdb request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return abuseResult{}, fmt.Errorf("abuseipdb returned %d", resp.StatusCode)
	}

	var envelope struct {
		Data abuseResult `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return abuseResult{}, fmt.Errorf("decode abuseipdb response: %w", err)
	}
	return envelope.Data, nil
}

type vtResult struct {
	Malicious  int
	Suspicious int
	Harmless   int
	Undetected int
}

func (s *Service) fetchVT(ctx context.Context, ip string) (vtResult, error) {
	ctx, cancel := context.WithTimeout(ctx, reputationTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/v3/ip_addresses/%s", s.cfg.VirusTotalURL, url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return vtResult{}, err
	}
	req.Header.Set("x-apikey", s.cfg.VirusTotalKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return vtResult{}, fmt.Errorf("virustotal request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return vtResult{}, fmt.Errorf("virustotal returned %d", resp.StatusCode)
	}

	var envelope struct {
		Data struct {
			Attributes struct {
				LastAnalysisStats struct {
					Malicious  int `json:"malicious"`
					Suspicious int `json:"suspicious"`
					Harmless   int `json:"harmless"`
					Undetected int `json:"undetected"`
				} `json:"last_analysis_stats"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return vtResult{}, fmt.Errorf("decode virustotal response: %w", err)
	}
	stats := envelope.Data.Attributes.LastAnalysisStats
	return vtResult{
		Malicious:  stats.Malicious,
		Suspicious: stats.Suspicious,
		Harmless:   stats.Harmless,
		Undetected: stats.Undetected,
	}, nil
}

// deriveThreatLevel maps reputation fields onto the threat level enum.
func deriveThreatLevel(g models.IPGeo) models.ThreatLevel {
	vtRatio := 0.0
	if g.VTTotal > 0 {
		vtRatio = float64(g.VTPositives) / float64(g.VTTotal)
	}
	switch {
	case g.AbuseScore >= 90 || vtRatio >= 0.3:
		return models.ThreatCritical
	case g.AbuseScore >= 75 || vtRatio >= 0.1:
		return models.ThreatHigh
	case g.AbuseScore >= 40 || g.IsTor || vtRatio > 0:
		return models.ThreatMedium
	case g.AbuseScore > 0 || g.IsProxy || g.IsVPN:
		return models.ThreatLow
	case g.AbuseExpiresAt.IsZero() && g.VTExpiresAt.IsZero():
		return models.ThreatUnknown
	default:
		return models.ThreatClean
	}
}

// isPrivateOrLoopback reports whether ip must never be sent to external
// providers.
func isPrivateOrLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() ||
		parsed.IsLinkLocalMulticast() || parsed.IsUnspecified()
}
