package lifecycle

import (
	"context"
	"fmt"
	"log"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/policy"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/store"
)

type RegressionOutcome struct {
	// Checked is false when fewer than two trials exist.
	Checked  bool                     `json:"checked"`
	Reason   string                   `json:"reason,omitempty"`
	Verdict  policy.RegressionVerdict `json:"verdict"`
	Decision policy.DemotionDecision  `json:"decision"`
	Demoted  bool                     `json:"demoted"`
	Agent    models.Agent             `json:"agent"`
	// Error is set when a check that followed a committed trial failed.
	Error    string                   `json:"error,omitempty"`
}

// CheckRegression compares a production agent's two most recent trials.
func (c *Controller) CheckRegression(ctx context.Context, agentID string) (RegressionOutcome, error) {
	var out RegressionOutcome
	err := c.withAgent(ctx, agentID, func(agent models.Agent) error {
		var err error
		out, err = c.checkRegressionLocked(ctx, agent)
		return err
	})
	return out, err
}

// checkRegressionLocked requires the caller to hold the agent lock. Freeze
// does not block demotion.
func (c *Controller) checkRegressionLocked(ctx context.Context, agent models.Agent) (RegressionOutcome, error) {
	if agent.LifecycleState != models.StateProduction {
		return RegressionOutcome{}, invalid("agent %s is %s; regression checks apply to production agents", agent.ID, agent.LifecycleState)
	}
	trials, err := c.ListTrials(ctx, agent.ID)
	if err != nil {
		return RegressionOutcome{}, err
	}
	if len(trials) < 2 {
		return RegressionOutcome{Reason: "insufficient history", Agent: agent}, nil
	}
	baseline, candidate := trials[len(trials)-2], trials[len(trials)-1]
	verdict := c.regression.Detect(baseline, candidate)
	decision := c.demotion.Decide(baseline, candidate, verdict)
	out := RegressionOutcome{Checked: true, Verdict: verdict, Decision: decision, Agent: agent}
	if !verdict.Regressed {
		return out, nil
	}
	if agent.Signals.LastRegressionTrialID == candidate.TrialID {
		out.Reason = "regression already recorded for trial " + candidate.TrialID
		return out, nil
	}

	now := c.now().UTC()
	signals := agent.Signals
	signals.LastRegressionAt = &now
	signals.LastRegressionTrialID = candidate.TrialID
	body := map[string]any{"verdict": verdict, "decision": decision}

	in := store.TransitionInput{
		AgentID: agent.ID,
		From:    models.StateProduction,
		To:      models.StateProduction,
		Signals: &signals,
	}
	evType := models.EventRegressionAlert
	if decision.Demote {
		evType = models.EventAutoDemoted
		in.To = models.StateShadow
		signals.LastDemotedAt = &now
		body["from"] = models.StateProduction
		body["to"] = models.StateShadow
	}
	payload, err := encode(body)
	if err != nil {
		return RegressionOutcome{}, err
	}
	in.Event = store.EventInput{ProjectID: agent.ProjectID, AgentID: agent.ID, Type: evType, Payload: payload}

	updated, _, err := c.store.TransitionAgent(ctx, in)
	if err != nil {
		return RegressionOutcome{}, fmt.Errorf("record regression: %w", err)
	}
	out.Agent = updated
	out.Demoted = decision.Demote
	if decision.Demote {
		log.Printf("[lifecycle] agent %s auto-demoted to shadow: %s", agent.ID, decision.Reason)
	} else {
		log.Printf("[lifecycle] agent %s regression alert: %s", agent.ID, verdict.Summary())
	}
	return out, nil
}
