package policy

import (
	"fmt"
	"math"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
)

const (
	PolicyInsufficientHistory = "trend-insufficient-history"
	PolicySpikeGuard          = "trend-anti-spike"
	PolicyLowSuccess          = "trend-avg-success"
	PolicyLowConfidence       = "trend-avg-confidence"
	PolicyLatencyTrend        = "trend-latency"
	PolicyTrendAccepted       = "trend-accept"
)

const (
	ReasonInsufficientHistory = "insufficient history"
	ReasonSpike               = "unstable KPI spike / anti-spike guard"
	ReasonLowSuccess          = "average success below threshold"
	ReasonLowConfidence       = "average confidence below threshold"
	ReasonLatencyTrend        = "latency trending worse"
	ReasonTrendAccepted       = "sustained performance across window"
)

type TrendConfig struct {
	WindowSize         int
	MaxSuccessSwing    float64
	MaxConfidenceSwing float64
	MinAvgSuccess      float64
	MinAvgConfidence   float64
	MaxLatencyRiseMs   float64
}

func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		WindowSize:         3,
		MaxSuccessSwing:    0.25,
		MaxConfidenceSwing: 25,
		MinAvgSuccess:      0.85,
		MinAvgConfidence:   80,
		MaxLatencyRiseMs:   200,
	}
}

type TrendDecision struct {
	Accepted bool                `json:"accepted"`
	PolicyID string              `json:"policyId"`
	Reason   string              `json:"reason"`
	Detail   string              `json:"detail,omitempty"`
	Metrics  models.TrendMetrics `json:"metrics"`
}

// TrendGate decides whether recent trial history justifies asking for promotion.
// It is pure; callers supply history oldest first.
type TrendGate struct {
	cfg TrendConfig
}

func NewTrendGate(cfg TrendConfig) *TrendGate {
	def := DefaultTrendConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MaxSuccessSwing <= 0 {
		cfg.MaxSuccessSwing = def.MaxSuccessSwing
	}
	if cfg.MaxConfidenceSwing <= 0 {
		cfg.MaxConfidenceSwing = def.MaxConfidenceSwing
	}
	if cfg.MinAvgSuccess <= 0 {
		cfg.MinAvgSuccess = def.MinAvgSuccess
	}
	if cfg.MinAvgConfidence <= 0 {
		cfg.MinAvgConfidence = def.MinAvgConfidence
	}
	if cfg.MaxLatencyRiseMs <= 0 {
		cfg.MaxLatencyRiseMs = def.MaxLatencyRiseMs
	}
	return &TrendGate{cfg: cfg}
}

func (g *TrendGate) Config() TrendConfig {
	return g.cfg
}

func (g *TrendGate) Evaluate(history []models.Trial) TrendDecision {
	size := g.cfg.WindowSize
	if len(history) < size {
		return TrendDecision{
			PolicyID: PolicyInsufficientHistory,
			Reason:   ReasonInsufficientHistory,
			Detail:   fmt.Sprintf("have %d trials, need %d", len(history), size),
			Metrics:  models.TrendMetrics{WindowSize: size},
		}
	}

	window := history[len(history)-size:]
	first, last := window[0].KPIs, window[len(window)-1].KPIs
	m := models.TrendMetrics{
		WindowSize:      size,
		SuccessTrend:    last.SuccessRate - first.SuccessRate,
		ConfidenceTrend: float64(last.ConfidenceScore - first.ConfidenceScore),
		LatencyTrend:    last.AvgLatencyMs - first.AvgLatencyMs,
		TrialIDs:        make([]string, 0, size),
	}
	for _, t := range window {
		m.AvgSuccessRate += t.KPIs.SuccessRate
		m.AvgConfidence += float64(t.KPIs.ConfidenceScore)
		m.AvgLatencyMs += t.KPIs.AvgLatencyMs
		m.TrialIDs = append(m.TrialIDs, t.TrialID)
	}
	m.AvgSuccessRate /= float64(size)
	m.AvgConfidence /= float64(size)
	m.AvgLatencyMs /= float64(size)

	reject := func(policyID, reason, detail string) TrendDecision {
		return TrendDecision{PolicyID: policyID, Reason: reason, Detail: detail, Metrics: m}
	}

	if math.Abs(m.SuccessTrend) > g.cfg.MaxSuccessSwing || math.Abs(m.ConfidenceTrend) > g.cfg.MaxConfidenceSwing {
		return reject(PolicySpikeGuard, ReasonSpike,
			fmt.Sprintf("successTrend=%.3f confidenceTrend=%.1f", m.SuccessTrend, m.ConfidenceTrend))
	}
	if m.AvgSuccessRate < g.cfg.MinAvgSuccess {
		return reject(PolicyLowSuccess, ReasonLowSuccess,
			fmt.Sprintf("avgSuccess=%.3f min=%.3f", m.AvgSuccessRate, g.cfg.MinAvgSuccess))
	}
	if m.AvgConfidence < g.cfg.MinAvgConfidence {
		return reject(PolicyLowConfidence, ReasonLowConfidence,
			fmt.Sprintf("avgConfidence=%.1f min=%.1f", m.AvgConfidence, g.cfg.MinAvgConfidence))
	}
	if m.LatencyTrend > g.cfg.MaxLatencyRiseMs {
		return reject(PolicyLatencyTrend, ReasonLatencyTrend,
			fmt.Sprintf("latencyTrend=%.1fms max=%.1fms", m.LatencyTrend, g.cfg.MaxLatencyRiseMs))
	}
	return TrendDecision{Accepted: true, PolicyID: PolicyTrendAccepted, Reason: ReasonTrendAccepted, Metrics: m}
}
