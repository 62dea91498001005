package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
)

// MemoryStore provides an in-memory implementation useful for tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	projects  map[string]models.Project
	agents    map[string]models.Agent
	approvals map[string]models.ApprovalRequest
	events    []models.Event
	streams   map[string]*streamState
}

type streamState struct {
	inProgress bool
	done       bool
	attempts   int
	lastErr    string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		projects:  map[string]models.Project{},
		agents:    map[string]models.Agent{},
		approvals: map[string]models.ApprovalRequest{},
		streams:   map[string]*streamState{},
	}
}

// WithClock overrides the store clock; used by tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) stamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *MemoryStore) CreateProject(ctx context.Context, in ProjectInput) (models.Project, models.Event, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[in.ID]; ok {
		return models.Project{}, models.Event{}, fmt.Errorf("%w: project %s exists", ErrConflict, in.ID)
	}
	now := m.stamp()
	p := models.Project{ID: in.ID, Name: in.Name, CreatedAt: now, UpdatedAt: now}
	in.Event.ProjectID = p.ID
	ev, err := m.appendLocked(in.Event)
	if err != nil {
		return models.Project{}, models.Event{}, err
	}
	m.projects[p.ID] = p
	return p, ev, nil
}

func (m *MemoryStore) GetProject(ctx context.Context, id string) (models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return models.Project{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) SetProjectFreeze(ctx context.Context, in FreezeInput) (models.Project, models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[in.ProjectID]
	if !ok {
		return models.Project{}, models.Event{}, ErrNotFound
	}
	ev, err := m.appendLocked(in.Event)
	if err != nil {
		return models.Project{}, models.Event{}, err
	}
	p.Frozen = in.Frozen
	p.FreezeReason = ""
	if in.Frozen {
		p.FreezeReason = in.Reason
	}
	p.UpdatedAt = ev.CreatedAt
	m.projects[p.ID] = p
	return p, ev, nil
}

func (m *MemoryStore) CreateAgent(ctx context.Context, in AgentInput) (models.Agent, models.Event, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[in.ProjectID]; !ok {
		return models.Agent{}, models.Event{}, ErrNotFound
	}
	if _, ok := m.agents[in.ID]; ok {
		return models.Agent{}, models.Event{}, fmt.Errorf("%w: agent %s exists", ErrConflict, in.ID)
	}
	in.Event.AgentID = in.ID
	ev, err := m.appendLocked(in.Event)
	if err != nil {
		return models.Agent{}, models.Event{}, err
	}
	a := models.Agent{
		ID:             in.ID,
		ProjectID:      in.ProjectID,
		Name:           in.Name,
		Role:           in.Role,
		Objective:      in.Objective,
		LifecycleState: models.StateDraft,
		Config:         in.Config,
		CreatedAt:      ev.CreatedAt,
		UpdatedAt:      ev.CreatedAt,
	}
	m.agents[a.ID] = a
	return a, ev, nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) RecordTrial(ctx context.Context, in TrialInput) (models.Agent, models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[in.AgentID]
	if !ok {
		return models.Agent{}, models.Event{}, ErrNotFound
	}
	ev, err := m.appendLocked(in.Event)
	if err != nil {
		return models.Agent{}, models.Event{}, err
	}
	a.Signals = in.Signals
	a.UpdatedAt = ev.CreatedAt
	m.agents[a.ID] = a
	return a, ev, nil
}

func (m *MemoryStore) TransitionAgent(ctx context.Context, in TransitionInput) (models.Agent, models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.checkTransitionLocked(in)
	if err != nil {
		return models.Agent{}, models.Event{}, err
	}
	ev, err := m.appendLocked(in.Event)
	if err != nil {
		return models.Agent{}, models.Event{}, err
	}
	a = m.applyTransitionLocked(a, in, ev.CreatedAt)
	return a, ev, nil
}

func (m *MemoryStore) checkTransitionLocked(in TransitionInput) (models.Agent, error) {
	a, ok := m.agents[in.AgentID]
	if !ok {
		return models.Agent{}, ErrNotFound
	}
	if a.LifecycleState != in.From {
		return models.Agent{}, fmt.Errorf("%w: agent %s is %s, expected %s", ErrConflict, a.ID, a.LifecycleState, in.From)
	}
	return a, nil
}

func (m *MemoryStore) applyTransitionLocked(a models.Agent, in TransitionInput, at time.Time) models.Agent {
	a.LifecycleState = in.To
	if in.Signals != nil {
		a.Signals = *in.Signals
	}
	a.UpdatedAt = at
	m.agents[a.ID] = a
	return a
}

func (m *MemoryStore) CreateApproval(ctx context.Context, in ApprovalInput) (models.ApprovalRequest, models.Event, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[in.AgentID]; !ok {
		return models.ApprovalRequest{}, models.Event{}, ErrNotFound
	}
	ev, err := m.appendLocked(in.Event)
	if err != nil {
		return models.ApprovalRequest{}, models.Event{}, err
	}
	req := models.ApprovalRequest{
		ID:        in.ID,
		AgentID:   in.AgentID,
		ProjectID: in.ProjectID,
		Type:      in.Type,
		Reason:    in.Reason,
		Metrics:   in.Metrics,
		Status:    models.ApprovalPending,
		CreatedAt: ev.CreatedAt,
	}
	m.approvals[req.ID] = req
	return req, ev, nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.approvals[id]
	if !ok {
		return models.ApprovalRequest{}, ErrNotFound
	}
	return req, nil
}

func (m *MemoryStore) ListApprovals(ctx context.Context, agentID string, status models.ApprovalStatus) ([]models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.ApprovalRequest{}
	for _, req := range m.approvals {
		if req.AgentID != agentID || (status != "" && req.Status != status) {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ResolveApproval(ctx context.Context, in ResolveInput) (models.ApprovalRequest, models.Agent, models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.approvals[in.ID]
	if !ok {
		return models.ApprovalRequest{}, models.Agent{}, models.Event{}, ErrNotFound
	}
	if req.Status != models.ApprovalPending {
		return models.ApprovalRequest{}, models.Agent{}, models.Event{}, fmt.Errorf("%w: approval %s already %s", ErrConflict, req.ID, req.Status)
	}
	agent, ok := m.agents[req.AgentID]
	if !ok {
		return models.ApprovalRequest{}, models.Agent{}, models.Event{}, ErrNotFound
	}
	if in.Transition != nil {
		var err error
		if agent, err = m.checkTransitionLocked(*in.Transition); err != nil {
			return models.ApprovalRequest{}, models.Agent{}, models.Event{}, err
		}
	}
	ev, err := m.appendLocked(in.Event)
	if err != nil {
		return models.ApprovalRequest{}, models.Agent{}, models.Event{}, err
	}
	if in.Transition != nil {
		agent = m.applyTransitionLocked(agent, *in.Transition, ev.CreatedAt)
	}
	decidedAt := in.DecidedAt.UTC()
	req.Status = in.Status
	req.DecidedBy = in.DecidedBy
	req.DecidedAt = &decidedAt
	m.approvals[req.ID] = req
	return req, agent, ev, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, in EventInput) (models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(in)
}

// appendLocked chains a new event onto the log. Callers hold m.mu.
func (m *MemoryStore) appendLocked(in EventInput) (models.Event, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = m.stamp()
	}
	prev := ""
	if n := len(m.events); n > 0 {
		prev = m.events[n-1].Hash
	}
	ev := models.Event{
		ID:        in.ID,
		Seq:       int64(len(m.events) + 1),
		ProjectID: in.ProjectID,
		AgentID:   in.AgentID,
		Type:      in.Type,
		Payload:   copyJSON(in.Payload),
		PrevHash:  prev,
		CreatedAt: in.CreatedAt.UTC().Truncate(time.Microsecond),
	}
	hash, err := ComputeHash(ev, prev)
	if err != nil {
		return models.Event{}, err
	}
	ev.Hash = hash
	m.events = append(m.events, ev)
	m.streams[ev.ID] = &streamState{}
	return ev, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, filter EventFilter) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := map[string]bool{}
	for _, t := range filter.Types {
		types[t] = true
	}
	out := []models.Event{}
	for _, e := range m.events {
		if filter.ProjectID != "" && e.ProjectID != filter.ProjectID {
			continue
		}
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		if len(types) > 0 && !types[e.Type] {
			continue
		}
		e.Payload = append(json.RawMessage(nil), e.Payload...)
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Tamper overwrites the payload of the event at seq without rehashing.
// It exists so chain verification can be exercised against a broken log.
func (m *MemoryStore) Tamper(seq int64, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq < 1 || int(seq) > len(m.events) {
		return
	}
	m.events[seq-1].Payload = payload
}

const maxStreamAttempts = 5

func (m *MemoryStore) FetchPendingEvents(ctx context.Context, limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Event{}
	for _, e := range m.events {
		st := m.streams[e.ID]
		if st.done || st.inProgress || st.attempts >= maxStreamAttempts {
			continue
		}
		st.inProgress = true
		st.attempts++
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkEventStreamResult(ctx context.Context, id, archiveKey string, success bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[id]
	if !ok {
		return ErrNotFound
	}
	st.inProgress = false
	st.lastErr = errMsg
	if !success {
		return nil
	}
	st.done = true
	for i := range m.events {
		if m.events[i].ID == id {
			at := m.stamp()
			m.events[i].StreamedAt = &at
			m.events[i].ArchiveKey = archiveKey
			break
		}
	}
	return nil
}
