package policy

import (
	"fmt"
	"strings"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
)

const (
	SeverityNone     = "none"
	SeverityAlert    = "alert"
	SeveritySevere   = "severe"
	PolicyDemotion   = "auto-demotion"
	PolicyAlertOnly  = "regression-alert"
	PolicyNoDemotion = "no-regression"
)

// DemotionConfig thresholds are stricter than RegressionConfig; demotion
// takes a production agent out of service.
type DemotionConfig struct {
	SevereSuccessDrop    float64
	SevereConfidenceDrop float64
	SevereLatencyRiseMs  float64
}

func DefaultDemotionConfig() DemotionConfig {
	return DemotionConfig{
		SevereSuccessDrop:    0.25,
		SevereConfidenceDrop: 20,
		SevereLatencyRiseMs:  400,
	}
}

type DemotionDecision struct {
	Demote   bool   `json:"demote"`
	Severity string `json:"severity"`
	PolicyID string `json:"policyId"`
	Reason   string `json:"reason"`
}

type DemotionPolicy struct {
	cfg DemotionConfig
}

func NewDemotionPolicy(cfg DemotionConfig) *DemotionPolicy {
	def := DefaultDemotionConfig()
	if cfg.SevereSuccessDrop <= 0 {
		cfg.SevereSuccessDrop = def.SevereSuccessDrop
	}
	if cfg.SevereConfidenceDrop <= 0 {
		cfg.SevereConfidenceDrop = def.SevereConfidenceDrop
	}
	if cfg.SevereLatencyRiseMs <= 0 {
		cfg.SevereLatencyRiseMs = def.SevereLatencyRiseMs
	}
	return &DemotionPolicy{cfg: cfg}
}

// Decide never demotes unless verdict.Regressed is set.
func (p *DemotionPolicy) Decide(baseline, candidate models.Trial, verdict RegressionVerdict) DemotionDecision {
	if !verdict.Regressed {
		return DemotionDecision{Severity: SeverityNone, PolicyID: PolicyNoDemotion, Reason: "no regression detected"}
	}

	d := kpiDeltas(baseline, candidate)
	var severe []string
	if -d.SuccessDelta > p.cfg.SevereSuccessDrop {
		severe = append(severe, fmt.Sprintf("success dropped %.2f", -d.SuccessDelta))
	}
	if float64(-d.ConfidenceDelta) > p.cfg.SevereConfidenceDrop {
		severe = append(severe, fmt.Sprintf("confidence dropped %d", -d.ConfidenceDelta))
	}
	if d.LatencyDeltaMs > p.cfg.SevereLatencyRiseMs {
		severe = append(severe, fmt.Sprintf("latency rose %.0fms", d.LatencyDeltaMs))
	}
	if len(severe) == 0 {
		return DemotionDecision{
			Severity: SeverityAlert,
			PolicyID: PolicyAlertOnly,
			Reason:   verdict.Summary() + " below demotion threshold",
		}
	}
	return DemotionDecision{
		Demote:   true,
		Severity: SeveritySevere,
		PolicyID: PolicyDemotion,
		Reason:   strings.Join(severe, "; "),
	}
}
