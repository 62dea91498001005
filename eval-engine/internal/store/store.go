package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set on an agent or approval
	// finds a state other than the expected one.
	ErrConflict = errors.New("state conflict")
)

// Store is the durable home of projects, agents, approvals and the event log.
// Every mutating call writes its record change and its event atomically.
type Store interface {
	CreateProject(ctx context.Context, in ProjectInput) (models.Project, models.Event, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	SetProjectFreeze(ctx context.Context, in FreezeInput) (models.Project, models.Event, error)

	CreateAgent(ctx context.Context, in AgentInput) (models.Agent, models.Event, error)
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	RecordTrial(ctx context.Context, in TrialInput) (models.Agent, models.Event, error)
	TransitionAgent(ctx context.Context, in TransitionInput) (models.Agent, models.Event, error)

	CreateApproval(ctx context.Context, in ApprovalInput) (models.ApprovalRequest, models.Event, error)
	GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error)
	// ListApprovals returns an agent's approvals oldest first; an empty status matches all.
	ListApprovals(ctx context.Context, agentID string, status models.ApprovalStatus) ([]models.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, in ResolveInput) (models.ApprovalRequest, models.Agent, models.Event, error)

	AppendEvent(ctx context.Context, in EventInput) (models.Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]models.Event, error)

	Ping(ctx context.Context) error
}

// StreamSource is the part of the store the event streamer drains.
type StreamSource interface {
	FetchPendingEvents(ctx context.Context, limit int) ([]models.Event, error)
	MarkEventStreamResult(ctx context.Context, id, archiveKey string, success bool, errMsg string) error
}

// EventInput describes an event before it is chained. ID and CreatedAt are
// assigned by the store when empty.
type EventInput struct {
	ID        string
	ProjectID string
	AgentID   string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

type EventFilter struct {
	ProjectID string
	AgentID   string
	Types     []string
	// Limit of zero means no limit.
	Limit int
}

type ProjectInput struct {
	ID    string
	Name  string
	Event EventInput
}

type FreezeInput struct {
	ProjectID string
	Frozen    bool
	Reason    string
	Event     EventInput
}

type AgentInput struct {
	ID        string
	ProjectID string
	Name      string
	Role      string
	Objective string
	Config    models.AgentConfig
	Event     EventInput
}

// TrialInput stores a trial by appending its agent_shadow_run event and
// updating the agent's signals.
type TrialInput struct {
	AgentID string
	Signals models.AgentSignals
	Event   EventInput
}

// TransitionInput moves an agent From -> To. The store rejects the write with
// ErrConflict when the agent is no longer in From.
type TransitionInput struct {
	AgentID string
	From    models.LifecycleState
	To      models.LifecycleState
	// Signals replaces the agent's signals when non-nil.
	Signals *models.AgentSignals
	Event   EventInput
}

type ApprovalInput struct {
	ID        string
	AgentID   string
	ProjectID string
	Type      string
	Reason    string
	Metrics   models.TrendMetrics
	Event     EventInput
}

// ResolveInput moves a pending approval to Status. When Transition is set the
// agent transition is applied in the same write.
type ResolveInput struct {
	ID         string
	Status     models.ApprovalStatus
	DecidedBy  string
	DecidedAt  time.Time
	Transition *TransitionInput
	Event      EventInput
}

func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func copyJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}
