package policy_test

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/policy"
)

func kpiTrial(id string, success float64, confidence int, latency float64) models.Trial {
	return models.Trial{
		TrialID: id,
		KPIs:    models.KPIs{SuccessRate: success, ConfidenceScore: confidence, AvgLatencyMs: latency},
	}
}

func TestTrendGateInsufficientHistory(t *testing.T) {
	gate := policy.NewTrendGate(policy.DefaultTrendConfig())

	for n := 0; n < 3; n++ {
		history := make([]models.Trial, n)
		for i := range history {
			history[i] = kpiTrial(fmt.Sprintf("t%d", i), 0.95, 90, 200)
		}
		dec := gate.Evaluate(history)
		assert.False(t, dec.Accepted)
		assert.Equal(t, policy.ReasonInsufficientHistory, dec.Reason)
		assert.Equal(t, policy.PolicyInsufficientHistory, dec.PolicyID)
	}
}

func TestTrendGateAntiSpike(t *testing.T) {
	gate := policy.NewTrendGate(policy.TrendConfig{})
	history := []models.Trial{
		kpiTrial("a", 0.80, 85, 250),
		kpiTrial("b", 1.00, 85, 250),
		kpiTrial("c", 0.30, 85, 250),
	}

	dec := gate.Evaluate(history)

	assert.False(t, dec.Accepted)
	assert.Equal(t, policy.ReasonSpike, dec.Reason)
	assert.InDelta(t, -0.50, dec.Metrics.SuccessTrend, 1e-9)
	assert.InDelta(t, 0.70, dec.Metrics.AvgSuccessRate, 1e-9)
	assert.Equal(t, []string{"a", "b", "c"}, dec.Metrics.TrialIDs)
}

func TestTrendGateConfidenceSpike(t *testing.T) {
	gate := policy.NewTrendGate(policy.DefaultTrendConfig())
	dec := gate.Evaluate([]models.Trial{
		kpiTrial("a", 0.9, 60, 200),
		kpiTrial("b", 0.9, 75, 200),
		kpiTrial("c", 0.9, 90, 200),
	})
	assert.Equal(t, policy.ReasonSpike, dec.Reason)
}

func TestTrendGateThresholds(t *testing.T) {
	gate := policy.NewTrendGate(policy.DefaultTrendConfig())

	cases := []struct {
		name    string
		history []models.Trial
		reason  string
	}{
		{
			name:    "low average success",
			history: []models.Trial{kpiTrial("a", 0.8, 85, 200), kpiTrial("b", 0.82, 85, 200), kpiTrial("c", 0.84, 85, 200)},
			reason:  policy.ReasonLowSuccess,
		},
		{
			name:    "low average confidence",
			history: []models.Trial{kpiTrial("a", 0.9, 75, 200), kpiTrial("b", 0.9, 78, 200), kpiTrial("c", 0.9, 79, 200)},
			reason:  policy.ReasonLowConfidence,
		},
		{
			name:    "latency trending worse",
			history: []models.Trial{kpiTrial("a", 0.9, 85, 150), kpiTrial("b", 0.9, 85, 250), kpiTrial("c", 0.9, 85, 351)},
			reason:  policy.ReasonLatencyTrend,
		},
		{
			name:    "accepted",
			history: []models.Trial{kpiTrial("a", 0.9, 85, 250), kpiTrial("b", 0.95, 88, 240), kpiTrial("c", 0.92, 90, 260)},
			reason:  policy.ReasonTrendAccepted,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := gate.Evaluate(tc.history)
			assert.Equal(t, tc.reason, dec.Reason)
			assert.Equal(t, tc.reason == policy.ReasonTrendAccepted, dec.Accepted)
		})
	}
}

func TestTrendGateUsesMostRecentWindow(t *testing.T) {
	gate := policy.NewTrendGate(policy.DefaultTrendConfig())
	history := []models.Trial{
		kpiTrial("old", 0.1, 40, 900),
		kpiTrial("a", 0.9, 85, 250),
		kpiTrial("b", 0.95, 88, 240),
		kpiTrial("c", 0.92, 90, 260),
	}

	dec := gate.Evaluate(history)

	require.True(t, dec.Accepted)
	assert.Equal(t, []string{"a", "b", "c"}, dec.Metrics.TrialIDs)
	assert.InDelta(t, 0.02, dec.Metrics.SuccessTrend, 1e-9)
	assert.Equal(t, 5.0, dec.Metrics.ConfidenceTrend)
	assert.Equal(t, 3, dec.Metrics.WindowSize)
}

// Windows that start at or above the floors and only improve within the swing
// limits must never be rejected for spike or threshold reasons.
func TestTrendGateMonotonicImprovement(t *testing.T) {
	gate := policy.NewTrendGate(policy.DefaultTrendConfig())
	r := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < 500; i++ {
		success := 0.85 + r.Float64()*0.05
		confidence := 80 + r.IntN(5)
		latency := 120 + r.Float64()*280
		history := make([]models.Trial, 3)
		for j := range history {
			history[j] = kpiTrial(fmt.Sprintf("t%d", j), success, confidence, latency)
			success += r.Float64() * 0.05
			if success > 1 {
				success = 1
			}
			confidence += r.IntN(6)
			latency -= r.Float64() * 20
		}

		dec := gate.Evaluate(history)
		require.True(t, dec.Accepted, "iteration %d: %s (%s)", i, dec.Reason, dec.Detail)
	}
}

func TestRegressionDetector(t *testing.T) {
	det := policy.NewRegressionDetector(policy.DefaultRegressionConfig())
	baseline := kpiTrial("base", 0.92, 90, 250)

	cases := []struct {
		name      string
		candidate models.Trial
		rules     []string
	}{
		{name: "stable", candidate: kpiTrial("c", 0.90, 88, 300), rules: []string{}},
		{name: "success drop", candidate: kpiTrial("c", 0.75, 88, 250), rules: []string{policy.RuleSuccessDrop}},
		{name: "confidence drop", candidate: kpiTrial("c", 0.92, 75, 250), rules: []string{policy.RuleConfidenceDrop}},
		{name: "latency rise", candidate: kpiTrial("c", 0.92, 90, 420), rules: []string{policy.RuleLatencyRise}},
		{
			name:      "all three",
			candidate: kpiTrial("c", 0.40, 70, 500),
			rules:     []string{policy.RuleSuccessDrop, policy.RuleConfidenceDrop, policy.RuleLatencyRise},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := det.Detect(baseline, tc.candidate)
			assert.Equal(t, tc.rules, v.Details.TriggeredRules)
			assert.Equal(t, len(tc.rules) > 0, v.Regressed)
			assert.Equal(t, "base", v.Details.BaselineTrialID)
		})
	}
}

func TestRegressionDetectorImprovementIsNotRegression(t *testing.T) {
	det := policy.NewRegressionDetector(policy.RegressionConfig{})
	v := det.Detect(kpiTrial("a", 0.5, 60, 390), kpiTrial("b", 1.0, 95, 125))
	assert.False(t, v.Regressed)
	assert.Equal(t, "no regression", v.Summary())
}

func TestDemotionPolicy(t *testing.T) {
	det := policy.NewRegressionDetector(policy.DefaultRegressionConfig())
	demote := policy.NewDemotionPolicy(policy.DefaultDemotionConfig())
	baseline := kpiTrial("base", 0.92, 90, 250)

	t.Run("no regression never demotes", func(t *testing.T) {
		cand := kpiTrial("c", 0.91, 89, 255)
		dec := demote.Decide(baseline, cand, det.Detect(baseline, cand))
		assert.False(t, dec.Demote)
		assert.Equal(t, policy.SeverityNone, dec.Severity)
	})

	t.Run("mild regression alerts only", func(t *testing.T) {
		cand := kpiTrial("c", 0.78, 88, 250)
		v := det.Detect(baseline, cand)
		require.True(t, v.Regressed)
		dec := demote.Decide(baseline, cand, v)
		assert.False(t, dec.Demote)
		assert.Equal(t, policy.SeverityAlert, dec.Severity)
		assert.Equal(t, policy.PolicyAlertOnly, dec.PolicyID)
	})

	t.Run("severe success drop demotes", func(t *testing.T) {
		cand := kpiTrial("c", 0.40, 84, 260)
		dec := demote.Decide(baseline, cand, det.Detect(baseline, cand))
		assert.True(t, dec.Demote)
		assert.Equal(t, policy.SeveritySevere, dec.Severity)
		assert.Contains(t, dec.Reason, "success dropped 0.52")
	})

	t.Run("severe latency rise demotes", func(t *testing.T) {
		cand := kpiTrial("c", 0.92, 90, 700)
		dec := demote.Decide(baseline, cand, det.Detect(baseline, cand))
		assert.True(t, dec.Demote)
		assert.Contains(t, dec.Reason, "latency rose 450ms")
	})

	t.Run("verdict gates demotion", func(t *testing.T) {
		cand := kpiTrial("c", 0.10, 40, 900)
		dec := demote.Decide(baseline, cand, policy.RegressionVerdict{Regressed: false})
		assert.False(t, dec.Demote)
	})
}
