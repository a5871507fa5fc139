package scoring

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshguardian/guardian/internal/models"
	"github.com/sshguardian/guardian/internal/server/features"
	"github.com/sshguardian/guardian/internal/store"
)

func TestBandBoundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  Band
	}{
		{0, BandLow},
		{29.9, BandLow},
		{30, BandMedium}, // boundary falls into the upper band
		{59.9, BandMedium},
		{60, BandHigh},
		{79.9, BandHigh},
		{80, BandCritical},
		{100, BandCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BandFor(tc.score), "score %v", tc.score)
	}
}

func TestReputationScore(t *testing.T) {
	assert.Zero(t, reputationScore(models.IPGeo{ThreatLevel: models.ThreatClean, AbuseScore: 90}),
		"clean verdict overrides everything")

	assert.Equal(t, 100.0, reputationScore(models.IPGeo{AbuseScore: 75}))
	assert.Equal(t, 100.0, reputationScore(models.IPGeo{VTPositives: 7, VTTotal: 70}))

	assert.Equal(t, 50.0, reputationScore(models.IPGeo{AbuseScore: 50}))
	assert.Equal(t, 50.0, reputationScore(models.IPGeo{VTPositives: 1, VTTotal: 20}),
		"0.05 positive ratio grades to 50")

	assert.Equal(t, 70.0, reputationScore(models.IPGeo{IsTor: true}))
	assert.Equal(t, 40.0, reputationScore(models.IPGeo{IsProxy: true}))
	assert.Equal(t, 40.0, reputationScore(models.IPGeo{IsVPN: true}))

	// Tor floor does not lower a higher abuse grade.
	assert.Equal(t, 74.0, reputationScore(models.IPGeo{IsTor: true, AbuseScore: 74}))
}

func TestGeographicScore(t *testing.T) {
	assert.Zero(t, geographicScore(features.Vector{}))

	assert.Equal(t, 80.0, geographicScore(features.Vector{HighRiskCountry: 1}))
	assert.Equal(t, 40.0, geographicScore(features.Vector{CountryRisk: 20, NewCountry: 1}))
	assert.Equal(t, 30.0, geographicScore(features.Vector{CountryRisk: 20, KmFromUsual: 1500}))
	assert.Equal(t, 40.0, geographicScore(features.Vector{CountryRisk: 20, KmFromUsual: 6000}))
	assert.Equal(t, 30.0, geographicScore(features.Vector{CountryRisk: 20, TimezoneDeviation: 9}))

	// Components accumulate but never exceed 100.
	assert.Equal(t, 100.0, geographicScore(features.Vector{
		HighRiskCountry: 1, NewCountry: 1, KmFromUsual: 9000, TimezoneDeviation: 11,
	}))
}

func TestDominantLayerTieBreak(t *testing.T) {
	// Equal raw scores resolve to reputation.
	r := Result{RuleScore: 50, AnomScore: 50, RepScore: 50, GeoScore: 50}
	assert.Equal(t, LayerReputation, dominantLayer(r))

	assert.Equal(t, LayerRule, dominantLayer(Result{RuleScore: 60, RepScore: 50}))
	assert.Equal(t, LayerAnomaly, dominantLayer(Result{AnomScore: 70, RuleScore: 60, RepScore: 50}))
	assert.Equal(t, LayerGeographic, dominantLayer(Result{GeoScore: 90, AnomScore: 70}))

	// Geographic must strictly exceed the others to win.
	assert.Equal(t, LayerReputation, dominantLayer(Result{GeoScore: 50, RepScore: 50}))
}

func TestConditionTreeEvaluation(t *testing.T) {
	event := models.AuthEvent{
		EventType:     models.EventFailed,
		Username:      "root",
		SourceIP:      "203.0.113.5",
		AuthMethod:    "password",
		FailureReason: "invalid_user",
	}
	vec := features.Vector{AttemptsPerMinute: 12, ConsecutiveFailures: 6}
	geo := models.IPGeo{CountryCode: "xx", AbuseScore: 30, IsTor: true}

	eval := func(conditions string) bool {
		rules := []models.BlockingRule{{ID: 1, Name: "t", Enabled: true, Severity: 10, Conditions: conditions}}
		_, ok := EvaluateRules(rules, event, vec, geo)
		return ok
	}

	assert.True(t, eval(`{"field":"event_type","op":"eq","value":"failed"}`))
	assert.False(t, eval(`{"field":"event_type","op":"eq","value":"successful"}`))
	assert.True(t, eval(`{"field":"event_type","op":"ne","value":"successful"}`))
	assert.True(t, eval(`{"field":"abuse_score","op":"gte","value":30}`))
	assert.False(t, eval(`{"field":"abuse_score","op":"gt","value":30}`))
	assert.True(t, eval(`{"field":"is_tor","op":"eq","value":true}`))
	assert.True(t, eval(`{"field":"username","op":"in","value":["admin","root"]}`))
	assert.False(t, eval(`{"field":"username","op":"in","value":["admin","guest"]}`))
	assert.True(t, eval(`{"field":"source_ip","op":"contains","value":"203.0.113"}`))
	assert.True(t, eval(`{"field":"country_code","op":"eq","value":"XX"}`), "country codes compare upper-cased")

	// Feature vector fields are addressable by their JSON names.
	assert.True(t, eval(`{"field":"attempts_per_minute","op":"gt","value":10}`))
	assert.True(t, eval(`{"field":"consecutive_failures","op":"gte","value":6}`))

	// Combinators.
	assert.True(t, eval(`{"all":[
		{"field":"event_type","op":"eq","value":"failed"},
		{"field":"attempts_per_minute","op":"gt","value":10}]}`))
	assert.False(t, eval(`{"all":[
		{"field":"event_type","op":"eq","value":"failed"},
		{"field":"attempts_per_minute","op":"gt","value":100}]}`))
	assert.True(t, eval(`{"any":[
		{"field":"attempts_per_minute","op":"gt","value":100},
		{"field":"is_tor","op":"eq","value":true}]}`))

	// Unknown fields and empty trees never match.
	assert.False(t, eval(`{"field":"no_such_field","op":"eq","value":1}`))
	assert.False(t, eval(`{}`))
}

func TestEvaluateRulesFirstMatchWins(t *testing.T) {
	event := models.AuthEvent{EventType: models.EventFailed, SourceIP: "203.0.113.5"}
	rules := []models.BlockingRule{
		{ID: 1, Name: "broken", Conditions: `{not json`},
		{ID: 2, Name: "first", Severity: 40, Conditions: `{"field":"event_type","op":"eq","value":"failed"}`},
		{ID: 3, Name: "second", Severity: 90, Conditions: `{"field":"event_type","op":"eq","value":"failed"}`},
	}

	match, ok := EvaluateRules(rules, event, features.Vector{}, models.IPGeo{})
	require.True(t, ok)
	assert.EqualValues(t, 2, match.RuleID, "malformed rules are skipped, then first match wins")
	assert.Equal(t, 40, match.Severity)
}

func TestAnomalyModelAbstainsUntrained(t *testing.T) {
	m := NewAnomalyModel(1)
	assert.False(t, m.Trained())
	assert.Zero(t, m.Score([]float64{1, 2, 3, 4}))
}

func TestAnomalyModelTrainsFromObservations(t *testing.T) {
	m := NewAnomalyModel(1)
	for i := 0; i < forestMinFit-1; i++ {
		m.Observe([]float64{float64(i % 10), float64(i % 7), 1, 0})
	}
	assert.False(t, m.Trained(), "below the minimum sample the model abstains")

	m.Observe([]float64{1, 1, 1, 0})
	assert.True(t, m.Trained())
}

func TestAnomalyModelIsolatesOutliers(t *testing.T) {
	m := NewAnomalyModel(42)

	var samples [][]float64
	for i := 0; i < 200; i++ {
		samples = append(samples, []float64{
			float64(i%10) / 10, float64(i%7) / 7, float64(i%3) / 3, 0.5,
		})
	}
	m.Fit(samples)
	require.True(t, m.Trained())

	inlier := m.Score([]float64{0.5, 0.5, 0.5, 0.5})
	outlier := m.Score([]float64{50, -30, 80, 100})

	assert.Greater(t, outlier, inlier, "outlier must isolate in fewer splits")
	assert.Greater(t, outlier, 0.55)
	assert.Less(t, inlier, outlier-0.05)
}

func newScoringStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{
		DataDir:               t.TempDir(),
		DisableRetentionSweep: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScorerCombinesLayers(t *testing.T) {
	s := newScoringStore(t)
	ctx := context.Background()

	_, err := s.CreateRule(ctx, models.BlockingRule{
		Name:       "failed root login",
		RuleType:   models.RulePattern,
		Priority:   10,
		Enabled:    true,
		Severity:   90,
		Conditions: `{"all":[{"field":"event_type","op":"eq","value":"failed"},{"field":"username","op":"eq","value":"root"}]}`,
	})
	require.NoError(t, err)

	scorer := New(s, NewAnomalyModel(1), zerolog.Nop())

	event := models.AuthEvent{
		EventType: models.EventFailed,
		Username:  "root",
		SourceIP:  "203.0.113.5",
	}
	res, err := scorer.Score(ctx, event, features.Vector{}, models.IPGeo{ThreatLevel: models.ThreatClean})
	require.NoError(t, err)

	require.NotNil(t, res.Matched)
	assert.Equal(t, "failed root login", res.Matched.RuleName)
	assert.Equal(t, 90.0, res.RuleScore)
	assert.Zero(t, res.RepScore, "clean reputation contributes nothing")
	assert.Zero(t, res.AnomScore, "untrained model abstains")

	// Default weights: 0.25 rule share of a 90-severity match.
	assert.InDelta(t, 22.5, res.Composite, 1e-9)
	assert.Equal(t, BandLow, res.Band)
	assert.Equal(t, LayerRule, res.Dominant)
	assert.Equal(t, "isoforest-v1", res.ModelID)
}

func TestSeededReputationRuleShortCircuits(t *testing.T) {
	s := newScoringStore(t)
	ctx := context.Background()

	// No operator configuration: the seeded reputation rule alone must
	// catch an IP with an abuse confidence of 95.
	scorer := New(s, NewAnomalyModel(1), zerolog.Nop())
	res, err := scorer.Score(ctx, models.AuthEvent{
		EventType: models.EventFailed, SourceIP: "198.51.100.7",
	}, features.Vector{AbuseScore: 95}, models.IPGeo{AbuseScore: 95, ThreatLevel: models.ThreatCritical})
	require.NoError(t, err)

	require.NotNil(t, res.Matched)
	assert.Equal(t, "known bad reputation", res.Matched.RuleName)
	assert.Equal(t, 100, res.Matched.Severity)
	assert.Equal(t, 100.0, res.RuleScore)
}

func TestScorerHonorsReweighting(t *testing.T) {
	s := newScoringStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSetting(ctx, store.SettingWeightReputation, "1.0"))

	scorer := New(s, NewAnomalyModel(1), zerolog.Nop())
	res, err := scorer.Score(ctx, models.AuthEvent{
		EventType: models.EventFailed, SourceIP: "203.0.113.5",
	}, features.Vector{}, models.IPGeo{AbuseScore: 90, ThreatLevel: models.ThreatCritical})
	require.NoError(t, err)

	assert.Equal(t, 100.0, res.RepScore)
	assert.Equal(t, 100.0, res.Composite, "composite clamps at 100")
	assert.Equal(t, BandCritical, res.Band)
	assert.Equal(t, LayerReputation, res.Dominant)
}
