package lifecycle

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/store"
)

// PromotionOutcome is the answer to a promotion request. A trend rejection is
// an outcome, not an error.
type PromotionOutcome struct {
	Accepted bool                    `json:"accepted"`
	PolicyID string                  `json:"policyId"`
	Reason   string                  `json:"reason"`
	Detail   string                  `json:"detail,omitempty"`
	Metrics  models.TrendMetrics     `json:"metrics"`
	Approval *models.ApprovalRequest `json:"approval,omitempty"`
}

// RequestPromotion asks for shadow -> production. It never changes the agent
// state; an accepted request yields a pending approval.
func (c *Controller) RequestPromotion(ctx context.Context, agentID, reason string) (PromotionOutcome, error) {
	var out PromotionOutcome
	err := c.withAgent(ctx, agentID, func(agent models.Agent) error {
		if err := c.guardFrozen(ctx, agent, "request_promotion"); err != nil {
			return err
		}
		if agent.LifecycleState != models.StateShadow {
			return fmt.Errorf("%w: agent %s is %s, promotion requires shadow", ErrConflict, agent.ID, agent.LifecycleState)
		}
		pending, err := c.store.ListApprovals(ctx, agent.ID, models.ApprovalPending)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return fmt.Errorf("%w: agent %s already has pending approval %s", ErrConflict, agent.ID, pending[0].ID)
		}

		history, err := c.ListTrials(ctx, agent.ID)
		if err != nil {
			return err
		}
		decision := c.trend.Evaluate(history)
		out = PromotionOutcome{
			Accepted: decision.Accepted,
			PolicyID: decision.PolicyID,
			Reason:   decision.Reason,
			Detail:   decision.Detail,
			Metrics:  decision.Metrics,
		}

		if !decision.Accepted {
			payload, err := encode(decision)
			if err != nil {
				return err
			}
			if _, err := c.store.AppendEvent(ctx, store.EventInput{
				ProjectID: agent.ProjectID,
				AgentID:   agent.ID,
				Type:      models.EventPromotionBlocked,
				Payload:   payload,
			}); err != nil {
				return fmt.Errorf("record promotion block: %w", err)
			}
			log.Printf("[lifecycle] promotion of %s rejected by %s: %s", agent.ID, decision.PolicyID, decision.Reason)
			return nil
		}

		if strings.TrimSpace(reason) == "" {
			reason = decision.Reason
		}
		payload, err := encode(map[string]any{"reason": reason, "decision": decision})
		if err != nil {
			return err
		}
		approval, _, err := c.store.CreateApproval(ctx, store.ApprovalInput{
			AgentID:   agent.ID,
			ProjectID: agent.ProjectID,
			Type:      models.ApprovalTypePromotion,
			Reason:    reason,
			Metrics:   decision.Metrics,
			Event:     store.EventInput{ProjectID: agent.ProjectID, AgentID: agent.ID, Type: models.EventPromotionRequested, Payload: payload},
		})
		if err != nil {
			return err
		}
		out.Approval = &approval
		return nil
	})
	return out, err
}

type ResolveRequest struct {
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"`
	DecidedBy  string `json:"decidedBy,omitempty"`
}

type ResolveOutcome struct {
	Approval models.ApprovalRequest `json:"approval"`
	Agent    models.Agent           `json:"agent"`
}

// ResolveApproval moves a pending approval to approved or denied exactly once.
// Approval promotes the agent to production in the same write.
func (c *Controller) ResolveApproval(ctx context.Context, req ResolveRequest) (ResolveOutcome, error) {
	status := models.ApprovalStatus(req.Decision)
	if status != models.ApprovalApproved && status != models.ApprovalDenied {
		return ResolveOutcome{}, invalid("decision must be approved or denied, got %q", req.Decision)
	}
	if strings.TrimSpace(req.ApprovalID) == "" {
		return ResolveOutcome{}, invalid("approvalId required")
	}
	existing, err := c.store.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return ResolveOutcome{}, err
	}

	var out ResolveOutcome
	err = c.withAgent(ctx, existing.AgentID, func(agent models.Agent) error {
		if err := c.guardFrozen(ctx, agent, "resolve_approval"); err != nil {
			return err
		}
		current, err := c.store.GetApproval(ctx, req.ApprovalID)
		if err != nil {
			return err
		}
		if current.Status != models.ApprovalPending {
			return fmt.Errorf("%w: approval %s already %s", ErrConflict, current.ID, current.Status)
		}

		in := store.ResolveInput{
			ID:        current.ID,
			Status:    status,
			DecidedBy: req.DecidedBy,
			DecidedAt: c.now(),
		}
		evType := models.EventPromotionDenied
		body := map[string]any{"approvalId": current.ID, "decision": status, "decidedBy": req.DecidedBy}
		if status == models.ApprovalApproved {
			evType = models.EventPromotionApproved
			in.Transition = &store.TransitionInput{AgentID: agent.ID, From: models.StateShadow, To: models.StateProduction}
			body["from"] = models.StateShadow
			body["to"] = models.StateProduction
		}
		payload, err := encode(body)
		if err != nil {
			return err
		}
		in.Event = store.EventInput{ProjectID: agent.ProjectID, AgentID: agent.ID, Type: evType, Payload: payload}

		approval, updated, _, err := c.store.ResolveApproval(ctx, in)
		if err != nil {
			return err
		}
		out = ResolveOutcome{Approval: approval, Agent: updated}
		log.Printf("[lifecycle] approval %s %s by %q; agent %s is %s", approval.ID, approval.Status, approval.DecidedBy, updated.ID, updated.LifecycleState)
		return nil
	})
	return out, err
}

func (c *Controller) GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error) {
	return c.store.GetApproval(ctx, id)
}

func (c *Controller) ListApprovals(ctx context.Context, agentID string, status models.ApprovalStatus) ([]models.ApprovalRequest, error) {
	if _, err := c.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return c.store.ListApprovals(ctx, agentID, status)
}
