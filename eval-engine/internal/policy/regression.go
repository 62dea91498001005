package policy

import (
	"strings"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
)

const (
	RuleSuccessDrop    = "success_drop"
	RuleConfidenceDrop = "confidence_drop"
	RuleLatencyRise    = "latency_rise"
)

// RegressionConfig holds materiality thresholds. A metric regresses when its
// move exceeds the threshold strictly.
type RegressionConfig struct {
	MaxSuccessDrop    float64
	MaxConfidenceDrop float64
	MaxLatencyRiseMs  float64
}

func DefaultRegressionConfig() RegressionConfig {
	return RegressionConfig{
		MaxSuccessDrop:    0.10,
		MaxConfidenceDrop: 10,
		MaxLatencyRiseMs:  150,
	}
}

type RegressionDetails struct {
	BaselineTrialID  string   `json:"baselineTrialId"`
	CandidateTrialID string   `json:"candidateTrialId"`
	SuccessDelta     float64  `json:"successDelta"`
	ConfidenceDelta  int      `json:"confidenceDelta"`
	LatencyDeltaMs   float64  `json:"latencyDeltaMs"`
	TriggeredRules   []string `json:"triggeredRules"`
}

type RegressionVerdict struct {
	Regressed bool              `json:"regressed"`
	Details   RegressionDetails `json:"details"`
}

func (v RegressionVerdict) Summary() string {
	if !v.Regressed {
		return "no regression"
	}
	return "regressed: " + strings.Join(v.Details.TriggeredRules, ",")
}

type RegressionDetector struct {
	cfg RegressionConfig
}

func NewRegressionDetector(cfg RegressionConfig) *RegressionDetector {
	def := DefaultRegressionConfig()
	if cfg.MaxSuccessDrop <= 0 {
		cfg.MaxSuccessDrop = def.MaxSuccessDrop
	}
	if cfg.MaxConfidenceDrop <= 0 {
		cfg.MaxConfidenceDrop = def.MaxConfidenceDrop
	}
	if cfg.MaxLatencyRiseMs <= 0 {
		cfg.MaxLatencyRiseMs = def.MaxLatencyRiseMs
	}
	return &RegressionDetector{cfg: cfg}
}

// Detect compares candidate against baseline. Deltas are candidate minus baseline.
func (d *RegressionDetector) Detect(baseline, candidate models.Trial) RegressionVerdict {
	det := kpiDeltas(baseline, candidate)
	det.TriggeredRules = []string{}
	if -det.SuccessDelta > d.cfg.MaxSuccessDrop {
		det.TriggeredRules = append(det.TriggeredRules, RuleSuccessDrop)
	}
	if float64(-det.ConfidenceDelta) > d.cfg.MaxConfidenceDrop {
		det.TriggeredRules = append(det.TriggeredRules, RuleConfidenceDrop)
	}
	if det.LatencyDeltaMs > d.cfg.MaxLatencyRiseMs {
		det.TriggeredRules = append(det.TriggeredRules, RuleLatencyRise)
	}
	return RegressionVerdict{Regressed: len(det.TriggeredRules) > 0, Details: det}
}

func kpiDeltas(baseline, candidate models.Trial) RegressionDetails {
	return RegressionDetails{
		BaselineTrialID:  baseline.TrialID,
		CandidateTrialID: candidate.TrialID,
		SuccessDelta:     candidate.KPIs.SuccessRate - baseline.KPIs.SuccessRate,
		ConfidenceDelta:  candidate.KPIs.ConfidenceScore - baseline.KPIs.ConfidenceScore,
		LatencyDeltaMs:   candidate.KPIs.AvgLatencyMs - baseline.KPIs.AvgLatencyMs,
	}
}
