package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
)

// chainLockKey guards the head of the event chain inside a transaction.
const chainLockKey int64 = 0x61676f76

// PGStore persists governance state in Postgres. Schema lives in migrations/.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

func (s *PGStore) DB() *sql.DB {
	return s.db
}

func (s *PGStore) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// withTx runs fn in a transaction and commits when fn returns nil.
func (s *PGStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PGStore) appendTx(ctx context.Context, tx *sql.Tx, in EventInput) (models.Event, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.stamp()
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return models.Event{}, fmt.Errorf("lock event chain: %w", err)
	}
	var prev string
	err := tx.QueryRowContext(ctx, `SELECT hash FROM governance_events ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, fmt.Errorf("read chain head: %w", err)
	}
	ev := models.Event{
		ID:        in.ID,
		ProjectID: in.ProjectID,
		AgentID:   in.AgentID,
		Type:      in.Type,
		Payload:   ensureJSON(in.Payload),
		PrevHash:  prev,
		CreatedAt: in.CreatedAt.UTC().Truncate(time.Microsecond),
	}
	if ev.Hash, err = ComputeHash(ev, prev); err != nil {
		return models.Event{}, err
	}
	query := `
		INSERT INTO governance_events (id, project_id, agent_id, event_type, payload, prev_hash, hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING seq
	`
	if err := tx.QueryRowContext(ctx, query, ev.ID, ev.ProjectID, nullable(ev.AgentID), ev.Type, []byte(ev.Payload), ev.PrevHash, ev.Hash, ev.CreatedAt).Scan(&ev.Seq); err != nil {
		return models.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, in EventInput) (models.Event, error) {
	var ev models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = s.appendTx(ctx, tx, in)
		return err
	})
	return ev, err
}

func (s *PGStore) CreateProject(ctx context.Context, in ProjectInput) (models.Project, models.Event, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := s.stamp()
	p := models.Project{ID: in.ID, Name: in.Name, CreatedAt: now, UpdatedAt: now}
	in.Event.ProjectID = p.ID
	in.Event.CreatedAt = now
	var ev models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO projects (id, name, frozen, freeze_reason, created_at, updated_at) VALUES ($1,$2,false,'',$3,$3)`
		if _, err := tx.ExecContext(ctx, query, p.ID, p.Name, now); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("%w: project %s exists", ErrConflict, p.ID)
			}
			return fmt.Errorf("insert project: %w", err)
		}
		var err error
		ev, err = s.appendTx(ctx, tx, in.Event)
		return err
	})
	if err != nil {
		return models.Project{}, models.Event{}, err
	}
	return p, ev, nil
}

func (s *PGStore) GetProject(ctx context.Context, id string) (models.Project, error) {
	const query = `SELECT id, name, frozen, freeze_reason, created_at, updated_at FROM projects WHERE id=$1`
	var p models.Project
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.Frozen, &p.FreezeReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Project{}, ErrNotFound
		}
		return models.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PGStore) SetProjectFreeze(ctx context.Context, in FreezeInput) (models.Project, models.Event, error) {
	now := s.stamp()
	in.Event.CreatedAt = now
	reason := ""
	if in.Frozen {
		reason = in.Reason
	}
	var (
		p  models.Project
		ev models.Event
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE projects SET frozen=$2, freeze_reason=$3, updated_at=$4
			WHERE id=$1
			RETURNING id, name, frozen, freeze_reason, created_at, updated_at
		`
		if err := tx.QueryRowContext(ctx, query, in.ProjectID, in.Frozen, reason, now).Scan(&p.ID, &p.Name, &p.Frozen, &p.FreezeReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("update project freeze: %w", err)
		}
		var err error
		ev, err = s.appendTx(ctx, tx, in.Event)
		return err
	})
	if err != nil {
		return models.Project{}, models.Event{}, err
	}
	return p, ev, nil
}

func (s *PGStore) CreateAgent(ctx context.Context, in AgentInput) (models.Agent, models.Event, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := s.stamp()
	a := models.Agent{
		ID:             in.ID,
		ProjectID:      in.ProjectID,
		Name:           in.Name,
		Role:           in.Role,
		Objective:      in.Objective,
		LifecycleState: models.StateDraft,
		Config:         in.Config,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return models.Agent{}, models.Event{}, fmt.Errorf("marshal agent config: %w", err)
	}
	sig, err := json.Marshal(a.Signals)
	if err != nil {
		return models.Agent{}, models.Event{}, fmt.Errorf("marshal agent signals: %w", err)
	}
	in.Event.AgentID = a.ID
	in.Event.CreatedAt = now
	var ev models.Event
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO agents (id, project_id, name, role, objective, lifecycle_state, config, signals, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
		`
		if _, err := tx.ExecContext(ctx, query, a.ID, a.ProjectID, a.Name, a.Role, a.Objective, a.LifecycleState, cfg, sig, now); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) {
				switch pqErr.Code {
				case "23505":
					return fmt.Errorf("%w: agent %s exists", ErrConflict, a.ID)
				case "23503":
					return ErrNotFound
				}
			}
			return fmt.Errorf("insert agent: %w", err)
		}
		var err error
		ev, err = s.appendTx(ctx, tx, in.Event)
		return err
	})
	if err != nil {
		return models.Agent{}, models.Event{}, err
	}
	return a, ev, nil
}

const agentColumns = `id, project_id, name, role, objective, lifecycle_state, config, signals, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (models.Agent, error) {
	var (
		a        models.Agent
		state    string
		cfg, sig []byte
	)
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Role, &a.Objective, &state, &cfg, &sig, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return models.Agent{}, err
	}
	a.LifecycleState = models.LifecycleState(state)
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &a.Config); err != nil {
			return models.Agent{}, fmt.Errorf("decode agent config: %w", err)
		}
	}
	if len(sig) > 0 {
		if err := json.Unmarshal(sig, &a.Signals); err != nil {
			return models.Agent{}, fmt.Errorf("decode agent signals: %w", err)
		}
	}
	return a, nil
}

func (s *PGStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Agent{}, ErrNotFound
		}
		return models.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *PGStore) RecordTrial(ctx context.Context, in TrialInput) (models.Agent, models.Event, error) {
	now := s.stamp()
	in.Event.CreatedAt = now
	sig, err := json.Marshal(in.Signals)
	if err != nil {
		return models.Agent{}, models.Event{}, fmt.Errorf("marshal agent signals: %w", err)
	}
	var (
		a  models.Agent
		ev models.Event
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE agents SET signals=$2, updated_at=$3 WHERE id=$1 RETURNING ` + agentColumns
		var err error
		if a, err = scanAgent(tx.QueryRowContext(ctx, query, in.AgentID, sig, now)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("record trial: %w", err)
		}
		ev, err = s.appendTx(ctx, tx, in.Event)
		return err
	})
	if err != nil {
		return models.Agent{}, models.Event{}, err
	}
	return a, ev, nil
}

// transitionTx is the compare-and-set on lifecycle_state.
func (s *PGStore) transitionTx(ctx context.Context, tx *sql.Tx, in TransitionInput, at time.Time) (models.Agent, error) {
	var sig any
	if in.Signals != nil {
		b, err := json.Marshal(in.Signals)
		if err != nil {
			return models.Agent{}, fmt.Errorf("marshal agent signals: %w", err)
		}
		sig = b
	}
	query := `
		UPDATE agents SET lifecycle_state=$3, signals=COALESCE($4::jsonb, signals), updated_at=$5
		WHERE id=$1 AND lifecycle_state=$2
		RETURNING ` + agentColumns
	a, err := scanAgent(tx.QueryRowContext(ctx, query, in.AgentID, in.From, in.To, sig, at))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Agent{}, fmt.Errorf("transition agent: %w", err)
	}
	var current string
	if err := tx.QueryRowContext(ctx, `SELECT lifecycle_state FROM agents WHERE id=$1`, in.AgentID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Agent{}, ErrNotFound
		}
		return models.Agent{}, fmt.Errorf("read agent state: %w", err)
	}
	return models.Agent{}, fmt.Errorf("%w: agent %s is %s, expected %s", ErrConflict, in.AgentID, current, in.From)
}

func (s *PGStore) TransitionAgent(ctx context.Context, in TransitionInput) (models.Agent, models.Event, error) {
	now := s.stamp()
	in.Event.CreatedAt = now
	var (
		a  models.Agent
		ev models.Event
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if a, err = s.transitionTx(ctx, tx, in, now); err != nil {
			return err
		}
		ev, err = s.appendTx(ctx, tx, in.Event)
		return err
	})
	if err != nil {
		return models.Agent{}, models.Event{}, err
	}
	return a, ev, nil
}

func (s *PGStore) CreateApproval(ctx context.Context, in ApprovalInput) (models.ApprovalRequest, models.Event, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := s.stamp()
	in.Event.CreatedAt = now
	metrics, err := json.Marshal(in.Metrics)
	if err != nil {
		return models.ApprovalRequest{}, models.Event{}, fmt.Errorf("marshal approval metrics: %w", err)
	}
	req := models.ApprovalRequest{
		ID:        in.ID,
		AgentID:   in.AgentID,
		ProjectID: in.ProjectID,
		Type:      in.Type,
		Reason:    in.Reason,
		Metrics:   in.Metrics,
		Status:    models.ApprovalPending,
		CreatedAt: now,
	}
	var ev models.Event
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO approval_requests (id, agent_id, project_id, type, reason, metrics, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`
		if _, err := tx.ExecContext(ctx, query, req.ID, req.AgentID, req.ProjectID, req.Type, req.Reason, metrics, req.Status, now); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23503" {
				return ErrNotFound
			}
			return fmt.Errorf("insert approval request: %w", err)
		}
		var err error
		ev, err = s.appendTx(ctx, tx, in.Event)
		return err
	})
	if err != nil {
		return models.ApprovalRequest{}, models.Event{}, err
	}
	return req, ev, nil
}

const approvalColumns = `id, agent_id, project_id, type, reason, metrics, status, decided_by, decided_at, created_at`

func scanApproval(row rowScanner) (models.ApprovalRequest, error) {
	var (
		req       models.ApprovalRequest
		status    string
		metrics   []byte
		decidedBy sql.NullString
		decidedAt sql.NullTime
	)
	if err := row.Scan(&req.ID, &req.AgentID, &req.ProjectID, &req.Type, &req.Reason, &metrics, &status, &decidedBy, &decidedAt, &req.CreatedAt); err != nil {
		return models.ApprovalRequest{}, err
	}
	req.Status = models.ApprovalStatus(status)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &req.Metrics); err != nil {
			return models.ApprovalRequest{}, fmt.Errorf("decode approval metrics: %w", err)
		}
	}
	if decidedBy.Valid {
		req.DecidedBy = decidedBy.String
	}
	if decidedAt.Valid {
		t := decidedAt.Time.UTC()
		req.DecidedAt = &t
	}
	return req, nil
}

func (s *PGStore) GetApproval(ctx context.Context, id string) (models.ApprovalRequest, error) {
	req, err := scanApproval(s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ApprovalRequest{}, ErrNotFound
		}
		return models.ApprovalRequest{}, fmt.Errorf("get approval: %w", err)
	}
	return req, nil
}

func (s *PGStore) ListApprovals(ctx context.Context, agentID string, status models.ApprovalStatus) ([]models.ApprovalRequest, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE agent_id=$1 AND ($2 = '' OR status = $2)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, agentID, status)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()
	out := []models.ApprovalRequest{}
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	return out, nil
}

func (s *PGStore) ResolveApproval(ctx context.Context, in ResolveInput) (models.ApprovalRequest, models.Agent, models.Event, error) {
	now := s.stamp()
	in.Event.CreatedAt = now
	if in.DecidedAt.IsZero() {
		in.DecidedAt = now
	}
	var (
		req   models.ApprovalRequest
		agent models.Agent
		ev    models.Event
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE approval_requests SET status=$2, decided_by=$3, decided_at=$4
			WHERE id=$1 AND status='pending'
			RETURNING ` + approvalColumns
		var err error
		req, err = scanApproval(tx.QueryRowContext(ctx, query, in.ID, in.Status, nullable(in.DecidedBy), in.DecidedAt.UTC()))
		if errors.Is(err, sql.ErrNoRows) {
			var status string
			if err := tx.QueryRowContext(ctx, `SELECT status FROM approval_requests WHERE id=$1`, in.ID).Scan(&status); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				return fmt.Errorf("read approval status: %w", err)
			}
			return fmt.Errorf("%w: approval %s already %s", ErrConflict, in.ID, status)
		}
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}

		if in.Transition != nil {
			if agent, err = s.transitionTx(ctx, tx, *in.Transition, now); err != nil {
				return err
			}
		} else {
			agent, err = scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, req.AgentID))
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				return fmt.Errorf("get agent: %w", err)
			}
		}
		ev, err = s.appendTx(ctx, tx, in.Event)
		return err
	})
	if err != nil {
		return models.ApprovalRequest{}, models.Agent{}, models.Event{}, err
	}
	return req, agent, ev, nil
}

const eventColumns = `seq, id, project_id, agent_id, event_type, payload, prev_hash, hash, created_at, streamed_at, archive_key`

func scanEvent(row rowScanner) (models.Event, error) {
	var (
		ev         models.Event
		agentID    sql.NullString
		payload    []byte
		streamedAt sql.NullTime
		archiveKey sql.NullString
	)
	if err := row.Scan(&ev.Seq, &ev.ID, &ev.ProjectID, &agentID, &ev.Type, &payload, &ev.PrevHash, &ev.Hash, &ev.CreatedAt, &streamedAt, &archiveKey); err != nil {
		return models.Event{}, err
	}
	ev.AgentID = agentID.String
	ev.Payload = append(json.RawMessage(nil), payload...)
	ev.CreatedAt = ev.CreatedAt.UTC()
	if streamedAt.Valid {
		t := streamedAt.Time.UTC()
		ev.StreamedAt = &t
	}
	ev.ArchiveKey = archiveKey.String
	return ev, nil
}

func (s *PGStore) ListEvents(ctx context.Context, filter EventFilter) ([]models.Event, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM governance_events
		WHERE ($1 = '' OR project_id = $1)
		  AND ($2 = '' OR agent_id = $2)
		  AND (cardinality($3::text[]) = 0 OR event_type = ANY($3))
		ORDER BY seq ASC
		LIMIT $4
	`
	var limit sql.NullInt64
	if filter.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(filter.Limit), Valid: true}
	}
	types := filter.Types
	if types == nil {
		types = []string{}
	}
	rows, err := s.db.QueryContext(ctx, query, filter.ProjectID, filter.AgentID, pq.Array(types), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	out := []models.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

// FetchPendingEvents claims up to limit events for streaming. Rows claimed by
// a streamer that died are reclaimed after five minutes.
func (s *PGStore) FetchPendingEvents(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT ` + eventColumns + `
			FROM governance_events
			WHERE stream_attempts < $1
			  AND (stream_status IN ('pending','failed')
			       OR (stream_status = 'in_progress' AND stream_claimed_at < NOW() - INTERVAL '5 minutes'))
			ORDER BY seq ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`
		rows, err := tx.QueryContext(ctx, query, maxStreamAttempts, limit)
		if err != nil {
			return fmt.Errorf("select pending events: %w", err)
		}
		ids := []string{}
		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan pending event: %w", err)
			}
			out = append(out, ev)
			ids = append(ids, ev.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select pending events: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		claim := `
			UPDATE governance_events
			SET stream_status='in_progress', stream_attempts=stream_attempts+1, stream_claimed_at=NOW()
			WHERE id = ANY($1)
		`
		if _, err := tx.ExecContext(ctx, claim, pq.Array(ids)); err != nil {
			return fmt.Errorf("claim pending events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) MarkEventStreamResult(ctx context.Context, id, archiveKey string, success bool, errMsg string) error {
	status := "failed"
	if success {
		status = "streamed"
	}
	query := `
		UPDATE governance_events
		SET stream_status=$2,
		    streamed_at=CASE WHEN $3 THEN NOW() ELSE streamed_at END,
		    archive_key=COALESCE($4, archive_key),
		    stream_error=$5
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query, id, status, success, nullable(archiveKey), nullable(errMsg))
	if err != nil {
		return fmt.Errorf("mark event stream result: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
