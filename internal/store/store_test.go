package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mentord/internal/config"
	"mentord/internal/graph"
	"mentord/internal/types"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	cfg := config.DefaultConfig().Store
	cfg.DatabasePath = filepath.Join(t.TempDir(), "mentord.db")
	cfg.RetryDelay = time.Millisecond

	s, err := NewLocalStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotLatestWins(t *testing.T) {
	s := newTestStore(t)

	for v := uint64(1); v <= 3; v++ {
		require.NoError(t, s.SaveSnapshot(types.ContextState{
			SessionID: "s1",
			Version:   v,
			ProjectState: map[string]types.SubtreeState{
				"dependencies": {Fields: map[string]string{"n": "v"}, Confidence: 0.9},
			},
			LastUpdated: time.Now(),
		}))
	}

	got, err := s.LoadLatestSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Version)
	assert.Equal(t, "v", got.ProjectState["dependencies"].Fields["n"])
}

func TestSnapshotSaveIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	snap := types.ContextState{SessionID: "s1", Version: 5, LastUpdated: time.Now()}
	require.NoError(t, s.SaveSnapshot(snap))
	require.NoError(t, s.SaveSnapshot(snap), "redelivery of the same version must not fail")

	got, err := s.LoadLatestSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Version)
}

func TestLoadSnapshotUnknownSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadLatestSnapshot("nope")
	assert.True(t, types.IsNotFound(err))
}

func TestConceptVersionGuard(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveConcepts([]graph.ConceptRecord{
		{ID: "maps", Mastery: 0.8, Version: 7, Active: true},
	}))

	// A stale retry carrying an older version must not clobber the row.
	require.NoError(t, s.SaveConcepts([]graph.ConceptRecord{
		{ID: "maps", Mastery: 0.2, Version: 3, Active: true},
	}))

	records, err := s.LoadConcepts()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(7), records[0].Version)
	assert.Equal(t, 0.8, records[0].Mastery)

	// Equal or newer versions do apply.
	require.NoError(t, s.SaveConcepts([]graph.ConceptRecord{
		{ID: "maps", Mastery: 0.9, Version: 8, Active: true},
	}))
	records, err = s.LoadConcepts()
	require.NoError(t, err)
	assert.Equal(t, 0.9, records[0].Mastery)
}

func TestTraceRoundTrip(t *testing.T) {
	s := newTestStore(t)

	trace := types.ReasoningTrace{
		ID:              "t1",
		SessionID:       "s1",
		SnapshotVersion: 4,
		Steps: []types.ReasoningStep{
			{Kind: types.StepAnalyze, Analyze: &types.AnalyzeStep{SnapshotVersion: 4, GapConcepts: []string{"generics"}}},
			{Kind: types.StepPlan, Plan: &types.PlanStep{Planned: 1}},
			{Kind: types.StepExecute, Execute: &types.ExecuteStep{InterventionID: "iv1", Kind: "lesson"}},
		},
		FinalDecision: "planned interventions",
		Confidence:    0.8,
		DurationMs:    12,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveTrace(trace))

	got, err := s.LoadTrace("t1")
	require.NoError(t, err)
	assert.Equal(t, trace.SessionID, got.SessionID)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, []string{"generics"}, got.Steps[0].Analyze.GapConcepts)
	assert.Equal(t, "iv1", got.Steps[2].Execute.InterventionID)

	_, err = s.LoadTrace("missing")
	assert.True(t, types.IsNotFound(err))
}

func TestListTracesNewestFirst(t *testing.T) {
	s := newTestStore(t)

	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveTrace(types.ReasoningTrace{
			ID:        string(rune('a' + i)),
			SessionID: "s1",
			Steps:     []types.ReasoningStep{},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	traces, err := s.ListTraces("s1", 2)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "c", traces[0].ID)
	assert.Equal(t, "b", traces[1].ID)
}

func TestInterventionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	delivered := time.Now().UTC().Truncate(time.Second)
	iv := types.Intervention{
		ID:               "iv1",
		SessionID:        "s1",
		ProblemSignature: "logical-error|auth.go|nil deref",
		ProblemType:      types.ProblemLogicalError,
		Kind:             types.InterventionHint,
		Payload:          []byte("hint text"),
		TraceID:          "t1",
		State:            types.InterventionDelivered,
		DeliveredAt:      &delivered,
	}
	require.NoError(t, s.SaveIntervention(iv))

	// State transitions rewrite the same row.
	iv.State = types.InterventionAccepted
	iv.UserResponse = "accepted"
	require.NoError(t, s.SaveIntervention(iv))

	got, err := s.LoadIntervention("iv1")
	require.NoError(t, err)
	assert.Equal(t, types.InterventionAccepted, got.State)
	assert.Equal(t, "accepted", got.UserResponse)
	assert.Equal(t, []byte("hint text"), got.Payload)

	_, err = s.LoadIntervention("missing")
	assert.True(t, types.IsNotFound(err))
}

func TestAuditRoundTrip(t *testing.T) {
	s := newTestStore(t)

	entry := types.AuditEntry{
		SessionID:   "s1",
		Version:     3,
		Subtree:     "projectState.diagnostics",
		WinnerInput: "new",
		LoserInput:  "old",
		LoserFields: map[string]string{"auth.go": "error: stale"},
		RecordedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveAudit(entry))

	entries, err := s.LoadAudit("s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].WinnerInput)
	assert.Equal(t, "error: stale", entries[0].LoserFields["auth.go"])
}

func TestMaintenanceDeletesOldRows(t *testing.T) {
	cfg := config.DefaultConfig().Store
	cfg.DatabasePath = filepath.Join(t.TempDir(), "mentord.db")
	cfg.TraceRetention = time.Hour
	cfg.AuditRetention = time.Hour

	s, err := NewLocalStore(cfg)
	require.NoError(t, err)
	defer s.Close()

	// Same clock as the cutoff inside Maintenance, so the stored text
	// representations compare consistently.
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, s.SaveTrace(types.ReasoningTrace{
		ID: "old", SessionID: "s1", Steps: []types.ReasoningStep{}, CreatedAt: old,
	}))
	require.NoError(t, s.SaveTrace(types.ReasoningTrace{
		ID: "fresh", SessionID: "s1", Steps: []types.ReasoningStep{}, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.SaveAudit(types.AuditEntry{SessionID: "s1", Version: 1, Subtree: "x", RecordedAt: old}))

	stats, err := s.Maintenance()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TracesDeleted)
	assert.Equal(t, int64(1), stats.AuditDeleted)

	traces, err := s.ListTraces("s1", 10)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, "fresh", traces[0].ID)
}
