// Package features derives the per-event behavioral, temporal, geographic,
// and network feature vector consumed by the risk scorer. Vectors are
// snapshotted with the event so model retraining can replay exact inputs.
package features

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/sshguardian/guardian/internal/models"
	"github.com/sshguardian/guardian/internal/store"
)

// Vector is the full feature set for one event. Field order is stable; the
// anomaly model consumes Slice().
type Vector struct {
	// Temporal
	Hour          float64 `json:"hour"`
	DayOfWeek     float64 `json:"day_of_week"`
	BusinessHours float64 `json:"business_hours"`
	Weekend       float64 `json:"weekend"`
	HourSin       float64 `json:"hour_sin"`
	HourCos       float64 `json:"hour_cos"`

	// Behavioral (windowed over this IP)
	AttemptsPerMinute    float64 `json:"attempts_per_minute"`
	AttemptsLastHour     float64 `json:"attempts_last_hour"`
	UniqueUsersLastHour  float64 `json:"unique_users_last_hour"`
	UniqueAgentsLastHour float64 `json:"unique_agents_last_hour"`
	FailureRate24h       float64 `json:"failure_rate_24h"`
	ConsecutiveFailures  float64 `json:"consecutive_failures"`
	SecondsSinceLast     float64 `json:"seconds_since_last"`
	FirstSighting        float64 `json:"first_sighting"`
	LifetimeSuccessRate  float64 `json:"lifetime_success_rate"`
	IsFailed             float64 `json:"is_failed"`
	IsInvalidUser        float64 `json:"is_invalid_user"`

	// Geographic
	CountryRisk       float64 `json:"country_risk"`
	HighRiskCountry   float64 `json:"high_risk_country"`
	KmFromUsual       float64 `json:"km_from_usual"`
	NewCountry        float64 `json:"new_country"`
	TimezoneDeviation float64 `json:"timezone_deviation"`

	// Network
	ProxyVPNTor float64 `json:"proxy_vpn_tor"`
	Datacenter  float64 `json:"datacenter"`
	ASNRisk     float64 `json:"asn_risk"`
	AbuseScore  float64 `json:"abuse_score"`
	VTRatio     float64 `json:"vt_ratio"`
}

// Slice returns the vector as an ordered float slice for model input.
func (v Vector) Slice() []float64 {
	return []float64{
		v.Hour, v.DayOfWeek, v.BusinessHours, v.Weekend, v.HourSin, v.HourCos,
		v.AttemptsPerMinute, v.AttemptsLastHour, v.UniqueUsersLastHour,
		v.UniqueAgentsLastHour, v.FailureRate24h, v.ConsecutiveFailures,
		v.SecondsSinceLast, v.FirstSighting, v.LifetimeSuccessRate,
		v.IsFailed, v.IsInvalidUser,
		v.CountryRisk, v.HighRiskCountry, v.KmFromUsual, v.NewCountry,
		v.TimezoneDeviation,
		v.ProxyVPNTor, v.Datacenter, v.ASNRisk, v.AbuseScore, v.VTRatio,
	}
}

// Config tunes the geographic features.
type Config struct {
	HighRiskCountries []string           // ISO country codes
	CountryRiskScores map[string]float64 // 0-100 per country code
	ServerTimezone    int                // UTC offset hours of the protected estate
}

// DefaultCountryRisk is applied when no per-country score is configured.
const DefaultCountryRisk = 20.0

// Extractor computes vectors from the store and enrichment rows.
type Extractor struct {
	cfg   Config
	store *store.Store
}

// New constructs a feature extractor.
func New(cfg Config, st *store.Store) *Extractor {
	for i, c := range cfg.HighRiskCountries {
		cfg.HighRiskCountries[i] = strings.ToUpper(c)
	}
	return &Extractor{cfg: cfg, store: st}
}

// Extract computes the feature vector for an event given its enrichment
// row. Behavioral windows are read from the store as of the event instant.
func (e *Extractor) Extract(ctx context.Context, event models.AuthEvent, geo models.IPGeo) (Vector, error) {
	stats, err := e.store.IPStatsBefore(ctx, event.SourceIP, event.Timestamp)
	if err != nil {
		return Vector{}, err
	}

	var v Vector
	e.fillTemporal(&v, event.Timestamp)
	e.fillBehavioral(&v, event, stats)
	if err := e.fillGeographic(ctx, &v, event, geo); err != nil {
		return Vector{}, err
	}
	e.fillNetwork(&v, geo)
	return v, nil
}

func (e *Extractor) fillTemporal(v *Vector, ts time.Time) {
	ts = ts.UTC()
	hour := float64(ts.Hour())
	v.Hour = hour
	v.DayOfWeek = float64(ts.Weekday())
	if ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
		v.Weekend = 1
	}
	if hour >= 9 && hour < 17 && v.Weekend == 0 {
		v.BusinessHours = 1
	}
	v.HourSin = math.Sin(2 * math.Pi * hour / 24)
	v.HourCos = math.Cos(2 * math.Pi * hour / 24)
}

func (e *Extractor) fillBehavioral(v *Vector, event models.AuthEvent, stats store.IPWindowStats) {
	v.AttemptsPerMinute = float64(stats.AttemptsLastMinute)
	v.AttemptsLastHour = float64(stats.AttemptsLastHour)
	v.UniqueUsersLastHour = float64(stats.UniqueUsersLastHour)
	v.UniqueAgentsLastHour = float64(stats.UniqueAgentsLastHour)
	v.ConsecutiveFailures = float64(stats.ConsecutiveFailures)

	if stats.TotalLast24h > 0 {
		v.FailureRate24h = float64(stats.FailuresLast24h) / float64(stats.TotalLast24h)
	}
	if stats.LifetimeAttempts > 0 {
		v.LifetimeSuccessRate = float64(stats.LifetimeSuccesses) / float64(stats.LifetimeAttempts)
	}
	if stats.FirstSeen {
		v.FirstSighting = 1
	}
	if stats.LastAttemptAt != nil {
		delta := event.Timestamp.Sub(*stats.LastAttemptAt).Seconds()
		if delta < 0 {
			delta = 0
		}
		v.SecondsSinceLast = delta
	} else {
		v.SecondsSinceLast = 86400 // sentinel: no prior attempt in range
	}

	if event.EventType == models.EventFailed {
		v.IsFailed = 1
	}
	if event.FailureReason == "invalid_user" {
		v.IsInvalidUser = 1
	}
}

func (e *Extractor) fillGeographic(ctx context.Context, v *Vector, event models.AuthEvent, geo models.IPGeo) error {
	code := strings.ToUpper(geo.CountryCode)

	if score, ok := e.cfg.CountryRiskScores[code]; ok {
		v.CountryRisk = score
	} else if code != "" {
		v.CountryRisk = DefaultCountryRisk
	}
	for _, risky := range e.cfg.HighRiskCountries {
		if code == risky {
			v.HighRiskCountry = 1
			break
		}
	}

	if event.Username != "" && code != "" {
		countries, err := e.store.CountriesForUsername(ctx, event.Username)
		if err != nil {
			return err
		}
		if len(countries) > 0 {
			v.NewCountry = 1
			for _, c := range countries {
				if c == code {
					v.NewCountry = 0
					break
				}
			}
		}
	}

	if event.Username != "" && (geo.Latitude != 0 || geo.Longitude != 0) {
		points, err := e.store.LocationsForUsername(ctx, event.Username)
		if err != nil {
			return err
		}
		if len(points) > 0 {
			minKm := math.MaxFloat64
			for _, p := range points {
				if d := haversineKm(geo.Latitude, geo.Longitude, p.Lat, p.Lon); d < minKm {
					minKm = d
				}
			}
			v.KmFromUsual = minKm
		}
	}

	// Timezone deviation from the protected estate, approximated from
	// longitude (15 degrees per hour).
	if geo.Longitude != 0 {
		remoteOffset := geo.Longitude / 15
		deviation := math.Abs(remoteOffset - float64(e.cfg.ServerTimezone))
		if deviation > 12 {
			deviation = 24 - deviation
		}
		v.TimezoneDeviation = deviation
	}
	return nil
}

func (e *Extractor) fillNetwork(v *Vector, geo models.IPGeo) {
	if geo.IsProxy || geo.IsVPN || geo.IsTor {
		v.ProxyVPNTor = 1
	}
	if geo.IsDatacenter {
		v.Datacenter = 1
	}
	// Datacenter ASNs carry elevated risk: interactive SSH logins rarely
	// originate from hosting ranges.
	if geo.IsDatacenter {
		v.ASNRisk = 60
	} else if geo.IsProxy || geo.IsVPN {
		v.ASNRisk = 40
	}
	v.AbuseScore = float64(geo.AbuseScore)
	if geo.VTTotal > 0 {
		v.VTRatio = float64(geo.VTPositives) / float64(geo.VTTotal)
	}
}

// haversineKm is the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
