package models

import (
	"encoding/json"
	"time"
)

type LifecycleState string

const (
	StateDraft      LifecycleState = "draft"
	StateShadow     LifecycleState = "shadow"
	StateProduction LifecycleState = "production"
)

func (s LifecycleState) Valid() bool {
	switch s {
	case StateDraft, StateShadow, StateProduction:
		return true
	}
	return false
}

type TrialMode string

const (
	ModeShadow     TrialMode = "shadow"
	ModeProduction TrialMode = "production"
)

func (m TrialMode) Valid() bool {
	return m == ModeShadow || m == ModeProduction
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
)

type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Frozen       bool      `json:"frozen"`
	FreezeReason string    `json:"freezeReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// AgentConfig is descriptive configuration; the engine never interprets it.
type AgentConfig struct {
	Model       string   `json:"model,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxSteps    *int     `json:"maxSteps,omitempty"`
}

// AgentSignals is bookkeeping maintained by the lifecycle controller.
type AgentSignals struct {
	LastTrialID      string     `json:"lastTrialId,omitempty"`
	LastTrialAt      *time.Time `json:"lastTrialAt,omitempty"`
	TrialCount       int        `json:"trialCount"`
	LastRegressionAt *time.Time `json:"lastRegressionAt,omitempty"`
	LastDemotedAt    *time.Time `json:"lastDemotedAt,omitempty"`

	// LastRegressionTrialID is the candidate trial of the last recorded
	// regression, so a repeated check on the same pair writes nothing.
	LastRegressionTrialID string `json:"lastRegressionTrialId,omitempty"`
}

type Agent struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"projectId"`
	Name           string         `json:"name"`
	Role           string         `json:"role,omitempty"`
	Objective      string         `json:"objective,omitempty"`
	LifecycleState LifecycleState `json:"lifecycleState"`
	Config         AgentConfig    `json:"config"`
	Signals        AgentSignals   `json:"signals"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

type Step struct {
	Step      int     `json:"step"`
	Action    string  `json:"action"`
	Outcome   Outcome `json:"outcome"`
	LatencyMs int     `json:"latencyMs"`
	Notes     string  `json:"notes,omitempty"`
}

type KPIs struct {
	SuccessRate     float64 `json:"successRate"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	ConfidenceScore int     `json:"confidenceScore"`
}

// Trial is one seeded execution of a task batch. TrialID and CreatedAt carry no
// behavioral meaning and are ignored by every equality check.
type Trial struct {
	TrialID   string    `json:"trialId"`
	AgentID   string    `json:"agentId"`
	AgentName string    `json:"agentName"`
	Mode      TrialMode `json:"mode"`
	Seed      int64     `json:"seed"`
	TaskList  []string  `json:"taskList"`
	StepLog   []Step    `json:"stepLog"`
	KPIs      KPIs      `json:"kpis"`
	CreatedAt time.Time `json:"createdAt"`
}

type ActionSnapshot struct {
	Outcome   Outcome `json:"outcome"`
	LatencyMs int     `json:"latencyMs"`
}

type ActionDiff struct {
	Action string          `json:"action"`
	From   *ActionSnapshot `json:"from,omitempty"`
	To     *ActionSnapshot `json:"to,omitempty"`
}

type DiffSummary struct {
	FromActions         int     `json:"fromActions"`
	ToActions           int     `json:"toActions"`
	ChangedCount        int     `json:"changedCount"`
	OutcomeFlips        int     `json:"outcomeFlips"`
	AddedCount          int     `json:"addedCount"`
	RemovedCount        int     `json:"removedCount"`
	SuccessRateDeltaPct float64 `json:"successRateDeltaPct"`
	LatencyDeltaMs      float64 `json:"latencyDeltaMs"`
	ConfidenceDelta     int     `json:"confidenceDelta"`
}

type BehaviorDiff struct {
	FromTrialID string       `json:"fromTrialId"`
	ToTrialID   string       `json:"toTrialId"`
	Changed     []ActionDiff `json:"changed"`
	Added       []ActionDiff `json:"added"`
	Removed     []ActionDiff `json:"removed"`
	Summary     DiffSummary  `json:"summary"`
}

// Empty reports whether the diff carries no row and no KPI movement.
func (d BehaviorDiff) Empty() bool {
	return len(d.Changed) == 0 && len(d.Added) == 0 && len(d.Removed) == 0 &&
		d.Summary.SuccessRateDeltaPct == 0 &&
		d.Summary.LatencyDeltaMs == 0 &&
		d.Summary.ConfidenceDelta == 0
}

// TrendMetrics is the trend snapshot computed over the most recent window of trials.
type TrendMetrics struct {
	WindowSize      int      `json:"windowSize"`
	SuccessTrend    float64  `json:"successTrend"`
	ConfidenceTrend float64  `json:"confidenceTrend"`
	LatencyTrend    float64  `json:"latencyTrend"`
	AvgSuccessRate  float64  `json:"avgSuccessRate"`
	AvgConfidence   float64  `json:"avgConfidence"`
	AvgLatencyMs    float64  `json:"avgLatencyMs"`
	TrialIDs        []string `json:"trialIds,omitempty"`
}

const ApprovalTypePromotion = "agent_promotion"

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

type ApprovalRequest struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agentId"`
	ProjectID string         `json:"projectId"`
	Type      string         `json:"type"`
	Reason    string         `json:"reason,omitempty"`
	Metrics   TrendMetrics   `json:"metrics"`
	Status    ApprovalStatus `json:"status"`
	DecidedBy string         `json:"decidedBy,omitempty"`
	DecidedAt *time.Time     `json:"decidedAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

const (
	EventProjectCreated         = "project_created"
	EventAgentCreated           = "agent_created"
	EventShadowEnabled          = "agent_shadow_enabled"
	EventShadowRun              = "agent_shadow_run"
	EventReplayVerified         = "agent_replay_verified"
	EventReplayIntegrityFailure = "agent_replay_integrity_failure"
	EventPromotionRequested     = "agent_promotion_requested"
	EventPromotionApproved      = "agent_promotion_approved"
	EventPromotionDenied        = "agent_promotion_denied"
	EventPromotionBlocked       = "agent_promotion_blocked"
	EventRegressionAlert        = "agent_regression_alert"
	EventAutoDemoted            = "agent_auto_demoted"
	EventActionBlockedFrozen    = "action_blocked_frozen"
	EventProjectFrozen          = "project_frozen"
	EventProjectUnfrozen        = "project_unfrozen"
)

// Event is one entry of the append-only, hash-chained event log.
type Event struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	ProjectID  string          `json:"projectId"`
	AgentID    string          `json:"agentId,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	PrevHash   string          `json:"prevHash,omitempty"`
	Hash       string          `json:"hash"`
	CreatedAt  time.Time       `json:"createdAt"`
	StreamedAt *time.Time      `json:"streamedAt,omitempty"`
	ArchiveKey string          `json:"archiveKey,omitempty"`
}
