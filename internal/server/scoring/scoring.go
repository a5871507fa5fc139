// Package scoring computes composite 0-100 risk scores from four layers:
// operator rules, an unsupervised anomaly model, external reputation, and
// geography. Layer weights load from system_settings at score time so
// operators can rebalance without restarting the server.
package scoring

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"github.com/sshguardian/guardian/internal/models"
	"github.com/sshguardian/guardian/internal/server/features"
	"github.com/sshguardian/guardian/internal/store"
)

// Layer identifies one detection layer for reason attribution.
type Layer string

const (
	LayerRule       Layer = "rule"
	LayerAnomaly    Layer = "anomaly"
	LayerReputation Layer = "reputation"
	LayerGeographic Layer = "geographic"
)

// Result is the scored outcome for one event.
type Result struct {
	Composite  float64 // 0-100
	Band       Band
	Dominant   Layer // drives the recorded reason
	RuleScore  float64
	AnomScore  float64
	RepScore   float64
	GeoScore   float64
	IsAnomaly  bool
	Matched    *RuleMatch // nil when no rule fired
	ModelID    string
	Confidence float64
}

// Band classifies a composite score.
type Band string

const (
	BandLow      Band = "low"
	BandMedium   Band = "medium"
	BandHigh     Band = "high"
	BandCritical Band = "critical"
)

// BandFor maps a composite score to its band. Boundary scores fall into
// the upper band.
func BandFor(score float64) Band {
	switch {
	case score >= 80:
		return BandCritical
	case score >= 60:
		return BandHigh
	case score >= 30:
		return BandMedium
	default:
		return BandLow
	}
}

// anomalyFlagThreshold marks a vector anomalous in the scoring sidecar.
const anomalyFlagThreshold = 0.6

// Scorer evaluates the four layers and combines them.
type Scorer struct {
	store  *store.Store
	model  *AnomalyModel
	logger zerolog.Logger
}

// New constructs a scorer around the store and anomaly model.
func New(st *store.Store, model *AnomalyModel, logger zerolog.Logger) *Scorer {
	return &Scorer{store: st, model: model, logger: logger.With().Str("component", "scoring").Logger()}
}

// Score runs all four layers over one event. The feature vector is also fed
// to the anomaly model's training reservoir.
func (s *Scorer) Score(ctx context.Context, event models.AuthEvent, vec features.Vector, geo models.IPGeo) (Result, error) {
	wRule, wAnom, wRep, wGeo, err := s.store.ScoringWeights(ctx)
	if err != nil {
		return Result{}, err
	}

	res := Result{ModelID: s.model.ModelID()}

	rules, err := s.store.EnabledRules(ctx)
	if err != nil {
		return Result{}, err
	}
	if match, ok := EvaluateRules(rules, event, vec, geo); ok {
		res.RuleScore = float64(match.Severity)
		res.Matched = &match
	}

	raw := vec.Slice()
	anomaly := s.model.Score(raw)
	s.model.Observe(raw)
	res.AnomScore = anomaly * 100
	res.IsAnomaly = anomaly >= anomalyFlagThreshold
	res.Confidence = anomaly

	res.RepScore = reputationScore(geo)
	res.GeoScore = geographicScore(vec)

	composite := wRule*res.RuleScore + wAnom*res.AnomScore +
		wRep*res.RepScore + wGeo*res.GeoScore
	res.Composite = math.Min(100, math.Max(0, composite))
	res.Band = BandFor(res.Composite)
	res.Dominant = dominantLayer(res)

	s.logger.Debug().
		Str("ip", event.SourceIP).
		Float64("composite", res.Composite).
		Str("band", string(res.Band)).
		Str("dominant", string(res.Dominant)).
		Msg("event scored")
	return res, nil
}

// reputationScore derives the layer score from the enrichment row: 0 when
// clean, 100 when AbuseIPDB confidence reaches 75 or the VirusTotal
// positive ratio reaches 0.1, graded in between.
func reputationScore(geo models.IPGeo) float64 {
	if geo.ThreatLevel == models.ThreatClean {
		return 0
	}

	var vtRatio float64
	if geo.VTTotal > 0 {
		vtRatio = float64(geo.VTPositives) / float64(geo.VTTotal)
	}
	if geo.AbuseScore >= 75 || vtRatio >= 0.1 {
		return 100
	}

	score := float64(geo.AbuseScore)
	if vtRatio > 0 {
		score = math.Max(score, vtRatio*1000) // 0.1 ratio maps to 100
	}
	if geo.IsTor {
		score = math.Max(score, 70)
	} else if geo.IsProxy || geo.IsVPN {
		score = math.Max(score, 40)
	}
	return math.Min(100, score)
}

// geographicScore blends the geographic feature group into 0-100.
func geographicScore(vec features.Vector) float64 {
	score := vec.CountryRisk
	if vec.HighRiskCountry == 1 {
		score = math.Max(score, 80)
	}
	if vec.NewCountry == 1 {
		score += 20
	}
	if vec.KmFromUsual > 5000 {
		score += 20
	} else if vec.KmFromUsual > 1000 {
		score += 10
	}
	if vec.TimezoneDeviation >= 8 {
		score += 10
	}
	return math.Min(100, score)
}

// dominantLayer picks the layer with the highest raw score. Equal scores
// resolve reputation first, then rule, anomaly, geographic.
func dominantLayer(r Result) Layer {
	best, layer := r.RepScore, LayerReputation
	if r.RuleScore > best {
		best, layer = r.RuleScore, LayerRule
	}
	if r.AnomScore > best {
		best, layer = r.AnomScore, LayerAnomaly
	}
	if r.GeoScore > best {
		layer = LayerGeographic
	}
	return layer
}
