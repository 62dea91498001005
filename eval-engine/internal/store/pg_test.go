package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/models"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewPGStore(db)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

var (
	agentCols = []string{"id", "project_id", "name", "role", "objective", "lifecycle_state", "config", "signals", "created_at", "updated_at"}
	eventCols = []string{"seq", "id", "project_id", "agent_id", "event_type", "payload", "prev_hash", "hash", "created_at", "streamed_at", "archive_key"}
)

func expectAppend(mock sqlmock.Sqlmock, prevHash string, seq int64) {
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(chainLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	head := sqlmock.NewRows([]string{"hash"})
	if prevHash != "" {
		head.AddRow(prevHash)
	}
	mock.ExpectQuery("SELECT hash FROM governance_events").WillReturnRows(head)
	mock.ExpectQuery("INSERT INTO governance_events").WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(seq))
}

func TestPGStoreCreateAgent(t *testing.T) {
	s, mock := newMockStore(t)
	prev := "00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO agents").
		WithArgs("agent-1", "proj-1", "triage", "", "", models.StateDraft, sqlmock.AnyArg(), sqlmock.AnyArg(), fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectAppend(mock, prev, 42)
	mock.ExpectCommit()

	agent, ev, err := s.CreateAgent(context.Background(), AgentInput{
		ID:        "agent-1",
		ProjectID: "proj-1",
		Name:      "triage",
		Event:     EventInput{ID: "ev-1", ProjectID: "proj-1", Type: models.EventAgentCreated, Payload: json.RawMessage(`{"name":"triage"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StateDraft, agent.LifecycleState)
	assert.Equal(t, int64(42), ev.Seq)
	assert.Equal(t, prev, ev.PrevHash)
	assert.Equal(t, "agent-1", ev.AgentID)

	want, err := ComputeHash(ev, prev)
	require.NoError(t, err)
	assert.Equal(t, want, ev.Hash)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreGetAgentNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id").WithArgs("missing").WillReturnRows(sqlmock.NewRows(agentCols))

	_, err := s.GetAgent(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPGStoreGetAgentDecodesJSON(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM agents WHERE id").WithArgs("agent-1").WillReturnRows(
		sqlmock.NewRows(agentCols).AddRow("agent-1", "proj-1", "triage", "analyst", "sort tickets", "shadow",
			[]byte(`{"model":"m-1","tools":["search"]}`), []byte(`{"lastTrialId":"trial_1_2","trialCount":3}`), fixedNow, fixedNow))

	a, err := s.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateShadow, a.LifecycleState)
	assert.Equal(t, "m-1", a.Config.Model)
	assert.Equal(t, []string{"search"}, a.Config.Tools)
	assert.Equal(t, 3, a.Signals.TrialCount)
	assert.Equal(t, "trial_1_2", a.Signals.LastTrialID)
}

func TestPGStoreTransitionConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE agents SET lifecycle_state").
		WithArgs("agent-1", models.StateShadow, models.StateProduction, nil, fixedNow).
		WillReturnRows(sqlmock.NewRows(agentCols))
	mock.ExpectQuery("SELECT lifecycle_state FROM agents").WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"lifecycle_state"}).AddRow("production"))
	mock.ExpectRollback()

	_, _, err := s.TransitionAgent(context.Background(), TransitionInput{
		AgentID: "agent-1",
		From:    models.StateShadow,
		To:      models.StateProduction,
		Event:   EventInput{ProjectID: "proj-1", Type: models.EventPromotionApproved},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Contains(t, err.Error(), "is production")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreResolveApprovalUnknown(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE approval_requests SET status").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT status FROM approval_requests").WithArgs("req-x").WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, _, _, err := s.ResolveApproval(context.Background(), ResolveInput{ID: "req-x", Status: models.ApprovalApproved})
	assert.True(t, errors.Is(err, ErrNotFound))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreResolveApprovalAlreadyResolved(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE approval_requests SET status").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT status FROM approval_requests").WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("denied"))
	mock.ExpectRollback()

	_, _, _, err := s.ResolveApproval(context.Background(), ResolveInput{ID: "req-1", Status: models.ApprovalApproved})
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestPGStoreListEventsVerifies(t *testing.T) {
	s, mock := newMockStore(t)

	first := models.Event{ID: "ev-1", ProjectID: "proj-1", Type: models.EventAgentCreated, Payload: json.RawMessage(`{"name":"triage"}`), CreatedAt: fixedNow}
	h1, err := ComputeHash(first, "")
	require.NoError(t, err)
	second := models.Event{ID: "ev-2", ProjectID: "proj-1", AgentID: "agent-1", Type: models.EventShadowEnabled, Payload: json.RawMessage(`{"to":"shadow","from":"draft"}`), CreatedAt: fixedNow.Add(time.Second)}
	h2, err := ComputeHash(second, h1)
	require.NoError(t, err)

	// jsonb hands payloads back with its own key order and spacing
	rows := sqlmock.NewRows(eventCols).
		AddRow(int64(1), "ev-1", "proj-1", nil, models.EventAgentCreated, []byte(`{"name": "triage"}`), "", h1, fixedNow, nil, nil).
		AddRow(int64(2), "ev-2", "proj-1", "agent-1", models.EventShadowEnabled, []byte(`{"from": "draft", "to": "shadow"}`), h1, h2, fixedNow.Add(time.Second), fixedNow, "events/ev-2.json")
	mock.ExpectQuery("SELECT (.+) FROM governance_events").
		WithArgs("proj-1", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	events, err := s.ListEvents(context.Background(), EventFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Empty(t, events[0].AgentID)
	require.NotNil(t, events[1].StreamedAt)
	assert.Equal(t, "events/ev-2.json", events[1].ArchiveKey)

	report := VerifyChain(events)
	assert.True(t, report.Valid, report.Problem)
	assert.Equal(t, h2, report.HeadHash)
}

func TestPGStoreListEventsVerifiesNormalizedNumbers(t *testing.T) {
	s, mock := newMockStore(t)

	delta := 1000.0/1001.0 - 999.0/1000.0
	payload, err := json.Marshal(models.TrendMetrics{WindowSize: 3, SuccessTrend: delta, AvgSuccessRate: 0.999})
	require.NoError(t, err)
	ev := models.Event{ID: "ev-1", ProjectID: "proj-1", AgentID: "agent-1", Type: models.EventPromotionBlocked, Payload: payload, CreatedAt: fixedNow}
	h, err := ComputeHash(ev, "")
	require.NoError(t, err)

	// jsonb renders numerics in plain decimal notation
	stored := `{"windowSize": 3, "successTrend": ` + strconv.FormatFloat(delta, 'f', -1, 64) +
		`, "confidenceTrend": 0, "latencyTrend": 0, "avgSuccessRate": 0.999, "avgConfidence": 0, "avgLatencyMs": 0}`
	require.NotEqual(t, string(payload), stored)

	rows := sqlmock.NewRows(eventCols).
		AddRow(int64(1), "ev-1", "proj-1", "agent-1", models.EventPromotionBlocked, []byte(stored), "", h, fixedNow, nil, nil)
	mock.ExpectQuery("SELECT (.+) FROM governance_events").
		WithArgs("", "agent-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	events, err := s.ListEvents(context.Background(), EventFilter{AgentID: "agent-1"})
	require.NoError(t, err)
	report := VerifyChain(events)
	assert.True(t, report.Valid, report.Problem)
	assert.Equal(t, h, report.HeadHash)
}

func TestPGStoreFetchPendingEventsClaims(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM governance_events").WithArgs(maxStreamAttempts, 5).WillReturnRows(
		sqlmock.NewRows(eventCols).AddRow(int64(3), "ev-3", "proj-1", "agent-1", models.EventShadowRun, []byte(`{}`), "aa", "bb", fixedNow, nil, nil))
	mock.ExpectExec("UPDATE governance_events").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	events, err := s.FetchPendingEvents(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-3", events[0].ID)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestPGStoreMarkEventStreamResult(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE governance_events").
		WithArgs("ev-3", "streamed", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE governance_events").
		WithArgs("ev-missing", "failed", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.MarkEventStreamResult(context.Background(), "ev-3", "events/ev-3.json", true, ""))
	assert.True(t, errors.Is(s.MarkEventStreamResult(context.Background(), "ev-missing", "", false, "boom"), ErrNotFound))
}

func TestPGAdvisoryLocker(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").WithArgs("agent-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs("agent-1").WillReturnResult(sqlmock.NewResult(0, 0))

	unlock, err := NewPGAdvisoryLocker(db).Lock(context.Background(), "agent-1")
	require.NoError(t, err)
	unlock()
	unlock()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
