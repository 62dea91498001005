// Package lifecycle owns agent state. It serializes work per agent, consults
// the pure policy components and writes every transition, blocked attempt and
// trial run to the event log.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/diff"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/policy"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/replay"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/store"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/trial"
)

var (
	ErrInvalid  = errors.New("invalid request")
	ErrFrozen   = errors.New("blocked while project frozen")
	ErrConflict = store.ErrConflict
	ErrNotFound = store.ErrNotFound
)

type Options struct {
	Store      store.Store
	Locker     store.AgentLocker
	Runner     trial.Runner
	Trend      *policy.TrendGate
	Regression *policy.RegressionDetector
	Demotion   *policy.DemotionPolicy
	Now        func() time.Time
}

type Controller struct {
	store      store.Store
	locker     store.AgentLocker
	runner     trial.Runner
	verifier   *replay.Verifier
	trend      *policy.TrendGate
	regression *policy.RegressionDetector
	demotion   *policy.DemotionPolicy
	now        func() time.Time
}

// NewController fills unset options with in-process defaults.
func NewController(opts Options) *Controller {
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Locker == nil {
		opts.Locker = store.NewMemoryLocker()
	}
	if opts.Runner == nil {
		opts.Runner = trial.NewExecutor()
	}
	if opts.Trend == nil {
		opts.Trend = policy.NewTrendGate(policy.DefaultTrendConfig())
	}
	if opts.Regression == nil {
		opts.Regression = policy.NewRegressionDetector(policy.DefaultRegressionConfig())
	}
	if opts.Demotion == nil {
		opts.Demotion = policy.NewDemotionPolicy(policy.DefaultDemotionConfig())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		store:      opts.Store,
		locker:     opts.Locker,
		runner:     opts.Runner,
		verifier:   replay.NewVerifier(opts.Runner),
		trend:      opts.Trend,
		regression: opts.Regression,
		demotion:   opts.Demotion,
		now:        opts.Now,
	}
}

func (c *Controller) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return b, nil
}

// withAgent runs fn holding the agent lock, with the agent freshly read.
func (c *Controller) withAgent(ctx context.Context, agentID string, fn func(agent models.Agent) error) error {
	if strings.TrimSpace(agentID) == "" {
		return invalid("agentId required")
	}
	unlock, err := c.locker.Lock(ctx, agentID)
	if err != nil {
		return fmt.Errorf("lock agent %s: %w", agentID, err)
	}
	defer unlock()
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	return fn(agent)
}

// guardFrozen is the single freeze check for mutating promotion and approval
// operations. A blocked attempt is recorded as action_blocked_frozen.
func (c *Controller) guardFrozen(ctx context.Context, agent models.Agent, action string) error {
	project, err := c.store.GetProject(ctx, agent.ProjectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", agent.ProjectID, err)
	}
	if !project.Frozen {
		return nil
	}
	payload, err := encode(map[string]any{
		"action":         action,
		"lifecycleState": agent.LifecycleState,
		"freezeReason":   project.FreezeReason,
	})
	if err != nil {
		return err
	}
	if _, err := c.store.AppendEvent(ctx, store.EventInput{
		ProjectID: project.ID,
		AgentID:   agent.ID,
		Type:      models.EventActionBlockedFrozen,
		Payload:   payload,
	}); err != nil {
		return fmt.Errorf("record frozen block: %w", err)
	}
	log.Printf("[lifecycle] %s blocked for agent %s: project %s frozen (%s)", action, agent.ID, project.ID, project.FreezeReason)
	return fmt.Errorf("%w: project %s: %s", ErrFrozen, project.ID, project.FreezeReason)
}

type CreateProjectRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

func (c *Controller) CreateProject(ctx context.Context, req CreateProjectRequest) (models.Project, error) {
	if strings.TrimSpace(req.Name) == "" {
		return models.Project{}, invalid("project name required")
	}
	payload, err := encode(map[string]string{"name": req.Name})
	if err != nil {
		return models.Project{}, err
	}
	p, _, err := c.store.CreateProject(ctx, store.ProjectInput{
		ID:    req.ID,
		Name:  req.Name,
		Event: store.EventInput{Type: models.EventProjectCreated, Payload: payload},
	})
	return p, err
}

func (c *Controller) GetProject(ctx context.Context, id string) (models.Project, error) {
	return c.store.GetProject(ctx, id)
}

// SetFreeze raises or clears the project freeze flag.
func (c *Controller) SetFreeze(ctx context.Context, projectID string, frozen bool, reason string) (models.Project, error) {
	if strings.TrimSpace(projectID) == "" {
		return models.Project{}, invalid("projectId required")
	}
	evType := models.EventProjectUnfrozen
	if frozen {
		evType = models.EventProjectFrozen
		if strings.TrimSpace(reason) == "" {
			return models.Project{}, invalid("freeze reason required")
		}
	}
	payload, err := encode(map[string]any{"frozen": frozen, "reason": reason})
	if err != nil {
		return models.Project{}, err
	}
	p, _, err := c.store.SetProjectFreeze(ctx, store.FreezeInput{
		ProjectID: projectID,
		Frozen:    frozen,
		Reason:    reason,
		Event:     store.EventInput{ProjectID: projectID, Type: evType, Payload: payload},
	})
	if err == nil {
		log.Printf("[lifecycle] project %s frozen=%t reason=%q", projectID, frozen, reason)
	}
	return p, err
}

type CreateAgentRequest struct {
	ID        string             `json:"id,omitempty"`
	ProjectID string             `json:"projectId"`
	Name      string             `json:"name"`
	Role      string             `json:"role,omitempty"`
	Objective string             `json:"objective,omitempty"`
	Config    models.AgentConfig `json:"config"`
}

func (c *Controller) CreateAgent(ctx context.Context, req CreateAgentRequest) (models.Agent, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return models.Agent{}, invalid("projectId required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return models.Agent{}, invalid("agent name required")
	}
	if _, err := c.store.GetProject(ctx, req.ProjectID); err != nil {
		return models.Agent{}, err
	}
	payload, err := encode(map[string]any{
		"name":           req.Name,
		"role":           req.Role,
		"objective":      req.Objective,
		"lifecycleState": models.StateDraft,
	})
	if err != nil {
		return models.Agent{}, err
	}
	a, _, err := c.store.CreateAgent(ctx, store.AgentInput{
		ID:        req.ID,
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Role:      req.Role,
		Objective: req.Objective,
		Config:    req.Config,
		Event:     store.EventInput{ProjectID: req.ProjectID, Type: models.EventAgentCreated, Payload: payload},
	})
	return a, err
}

func (c *Controller) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	return c.store.GetAgent(ctx, id)
}

func transitionPayload(from, to models.LifecycleState, extra map[string]any) (json.RawMessage, error) {
	body := map[string]any{"from": from, "to": to}
	for k, v := range extra {
		body[k] = v
	}
	return encode(body)
}

// EnableShadow makes a draft agent eligible for shadow trials.
func (c *Controller) EnableShadow(ctx context.Context, agentID string) (models.Agent, error) {
	var out models.Agent
	err := c.withAgent(ctx, agentID, func(agent models.Agent) error {
		if agent.LifecycleState != models.StateDraft {
			return fmt.Errorf("%w: agent %s is %s, shadow can only be enabled from draft", ErrConflict, agent.ID, agent.LifecycleState)
		}
		if err := c.guardFrozen(ctx, agent, "enable_shadow"); err != nil {
			return err
		}
		payload, err := transitionPayload(models.StateDraft, models.StateShadow, nil)
		if err != nil {
			return err
		}
		out, _, err = c.store.TransitionAgent(ctx, store.TransitionInput{
			AgentID: agent.ID,
			From:    models.StateDraft,
			To:      models.StateShadow,
			Event:   store.EventInput{ProjectID: agent.ProjectID, AgentID: agent.ID, Type: models.EventShadowEnabled, Payload: payload},
		})
		return err
	})
	return out, err
}

type RunTrialRequest struct {
	AgentID string `json:"agentId"`
	// AgentName defaults to the agent record's name.
	AgentName string   `json:"agentName,omitempty"`
	TaskList  []string `json:"taskList"`
	// Seed defaults to the current time, which makes the run unrepeatable by
	// the caller's choice.
	Seed *int64 `json:"seed,omitempty"`
}

type TrialOutcome struct {
	Trial models.Trial `json:"trial"`
	// Regression is set when the agent was in production and a check ran.
	Regression *RegressionOutcome `json:"regression,omitempty"`
}

// RunTrial executes and records a trial. Trials are allowed while the project
// is frozen. A production trial is followed by a regression check in a
// separate write; the trial stays recorded if that check fails.
func (c *Controller) RunTrial(ctx context.Context, req RunTrialRequest) (TrialOutcome, error) {
	if len(req.TaskList) == 0 {
		return TrialOutcome{}, invalid("taskList required")
	}
	var out TrialOutcome
	err := c.withAgent(ctx, req.AgentID, func(agent models.Agent) error {
		mode := models.ModeShadow
		switch agent.LifecycleState {
		case models.StateShadow:
		case models.StateProduction:
			mode = models.ModeProduction
		default:
			return invalid("agent %s is %s; enable shadow before running trials", agent.ID, agent.LifecycleState)
		}
		seed := c.now().UnixNano()
		if req.Seed != nil {
			seed = *req.Seed
		}
		name := req.AgentName
		if name == "" {
			name = agent.Name
		}

		t := c.runner.Run(trial.Input{AgentID: agent.ID, AgentName: name, TaskList: req.TaskList, Seed: seed, Mode: mode})
		payload, err := encode(t)
		if err != nil {
			return err
		}
		signals := agent.Signals
		signals.LastTrialID = t.TrialID
		at := t.CreatedAt
		signals.LastTrialAt = &at
		signals.TrialCount++
		agent, _, err = c.store.RecordTrial(ctx, store.TrialInput{
			AgentID: agent.ID,
			Signals: signals,
			Event:   store.EventInput{ProjectID: agent.ProjectID, AgentID: agent.ID, Type: models.EventShadowRun, Payload: payload},
		})
		if err != nil {
			return err
		}
		out.Trial = t

		// The trial is committed at this point; a failed check is reported on
		// the outcome rather than failing the run.
		if mode == models.ModeProduction {
			reg, err := c.checkRegressionLocked(ctx, agent)
			if err != nil {
				log.Printf("[lifecycle] regression check after trial %s failed: %v", t.TrialID, err)
				reg = RegressionOutcome{Agent: agent, Error: err.Error()}
			}
			out.Regression = &reg
		}
		return nil
	})
	return out, err
}

// ListTrials reads an agent's trial history back from its shadow-run events,
// oldest first.
func (c *Controller) ListTrials(ctx context.Context, agentID string) ([]models.Trial, error) {
	if _, err := c.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	events, err := c.store.ListEvents(ctx, store.EventFilter{AgentID: agentID, Types: []string{models.EventShadowRun}})
	if err != nil {
		return nil, err
	}
	trials := make([]models.Trial, 0, len(events))
	for _, ev := range events {
		var t models.Trial
		if err := json.Unmarshal(ev.Payload, &t); err != nil {
			return nil, fmt.Errorf("decode trial event %s: %w", ev.ID, err)
		}
		trials = append(trials, t)
	}
	return trials, nil
}

func (c *Controller) findTrial(ctx context.Context, agentID, trialID string) (models.Trial, error) {
	trials, err := c.ListTrials(ctx, agentID)
	if err != nil {
		return models.Trial{}, err
	}
	for i := len(trials) - 1; i >= 0; i-- {
		if trials[i].TrialID == trialID {
			return trials[i], nil
		}
	}
	return models.Trial{}, fmt.Errorf("%w: trial %s for agent %s", ErrNotFound, trialID, agentID)
}

func (c *Controller) CompareTrials(ctx context.Context, agentID, fromID, toID string) (models.BehaviorDiff, error) {
	if fromID == "" || toID == "" {
		return models.BehaviorDiff{}, invalid("from and to trial ids required")
	}
	from, err := c.findTrial(ctx, agentID, fromID)
	if err != nil {
		return models.BehaviorDiff{}, err
	}
	to, err := c.findTrial(ctx, agentID, toID)
	if err != nil {
		return models.BehaviorDiff{}, err
	}
	return diff.Compare(from, to), nil
}

// Replay re-derives the inputs of a stored trial and verifies the executor
// reproduces it. A divergence is recorded and returned as replay.ErrIntegrity
// alongside the result.
func (c *Controller) Replay(ctx context.Context, agentID, trialID string) (replay.Result, error) {
	original, err := c.findTrial(ctx, agentID, trialID)
	if err != nil {
		return replay.Result{}, err
	}
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return replay.Result{}, err
	}
	res := c.verifier.Verify(original)

	evType := models.EventReplayVerified
	if !res.IsDeterministic {
		evType = models.EventReplayIntegrityFailure
		log.Printf("[lifecycle] INTEGRITY FAILURE agent=%s: %s", agentID, res.Integrity.Message)
	}
	payload, err := encode(res)
	if err != nil {
		return res, err
	}
	if _, err := c.store.AppendEvent(ctx, store.EventInput{ProjectID: agent.ProjectID, AgentID: agent.ID, Type: evType, Payload: payload}); err != nil {
		return res, fmt.Errorf("record replay: %w", err)
	}
	return res, res.Err()
}

// ListEvents returns the agent's events in log order.
func (c *Controller) ListEvents(ctx context.Context, agentID string, types []string) ([]models.Event, error) {
	if _, err := c.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return c.store.ListEvents(ctx, store.EventFilter{AgentID: agentID, Types: types})
}

// VerifyEventLog walks the whole hash chain.
func (c *Controller) VerifyEventLog(ctx context.Context) (store.ChainReport, error) {
	events, err := c.store.ListEvents(ctx, store.EventFilter{})
	if err != nil {
		return store.ChainReport{}, err
	}
	report := store.VerifyChain(events)
	if !report.Valid {
		log.Printf("[lifecycle] event chain broken at %s: %s", report.BrokenEventID, report.Problem)
	}
	return report, nil
}
