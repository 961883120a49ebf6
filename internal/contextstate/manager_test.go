package contextstate

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mentord/internal/config"
	"mentord/internal/types"
)

func testConfig() config.ContextConfig {
	cfg := config.DefaultConfig().Context
	cfg.MergeWait = 100 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager("s1", testConfig(), nil, nil, nil)
	t.Cleanup(m.Close)
	return m
}

func input(id, subtree string, fields map[string]string, ts time.Time) types.ProcessedInput {
	return types.ProcessedInput{
		ID:         id,
		SessionID:  "s1",
		Type:       types.InputCode,
		Subtree:    subtree,
		Fields:     fields,
		Confidence: 0.9,
		Timestamp:  ts,
	}
}

func TestUpdateContextDisjointSubtrees(t *testing.T) {
	m := newTestManager(t)
	now := time.Now()

	v1, err := m.UpdateContext(input("i1", "projectState.dependencies", map[string]string{"uuid": "v1.6"}, now))
	require.NoError(t, err)
	v2, err := m.UpdateContext(input("i2", "userState.focus", map[string]string{"file": "main.go"}, now))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), v1)
	assert.Equal(t, uint64(2), v2)

	snap := m.GetCurrentContext()
	assert.Equal(t, "v1.6", snap.ProjectState["dependencies"].Fields["uuid"])
	assert.Equal(t, "main.go", snap.UserState["focus"].Fields["file"])
	assert.Empty(t, m.AuditLog(), "disjoint merges must not conflict")
}

func TestUpdateContextLatestTimestampWins(t *testing.T) {
	m := newTestManager(t)
	base := time.Now()

	_, err := m.UpdateContext(input("old", "projectState.diagnostics",
		map[string]string{"auth.go": "error: nil deref"}, base))
	require.NoError(t, err)

	v, err := m.UpdateContext(input("new", "projectState.diagnostics",
		map[string]string{"auth.go": "clean"}, base.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	snap := m.GetCurrentContext()
	assert.Equal(t, "clean", snap.ProjectState["diagnostics"].Fields["auth.go"])

	audit := m.AuditLog()
	require.Len(t, audit, 1)
	assert.Equal(t, "new", audit[0].WinnerInput)
	assert.Equal(t, "old", audit[0].LoserInput)
	assert.Equal(t, "error: nil deref", audit[0].LoserFields["auth.go"])
}

// An input older than the committed state loses, but the merge still commits
// a new version carrying the audit reference.
func TestUpdateContextStaleInputLosesButCommits(t *testing.T) {
	m := newTestManager(t)
	base := time.Now()

	_, err := m.UpdateContext(input("current", "projectState.diagnostics",
		map[string]string{"auth.go": "clean"}, base))
	require.NoError(t, err)

	v, err := m.UpdateContext(input("late", "projectState.diagnostics",
		map[string]string{"auth.go": "error: stale view"}, base.Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v, "losing writes still commit a version")

	snap := m.GetCurrentContext()
	assert.Equal(t, "clean", snap.ProjectState["diagnostics"].Fields["auth.go"])
	assert.Equal(t, uint64(2), snap.Version)

	audit := m.AuditLog()
	require.Len(t, audit, 1)
	assert.Equal(t, "late", audit[0].LoserInput)
}

func TestUpdateContextValidation(t *testing.T) {
	m := newTestManager(t)

	cases := []struct {
		name string
		in   types.ProcessedInput
	}{
		{"wrong session", types.ProcessedInput{SessionID: "other", Subtree: "projectState.x", Confidence: 0.5}},
		{"bad confidence", types.ProcessedInput{SessionID: "s1", Subtree: "projectState.x", Confidence: 1.5}},
		{"bad subtree root", types.ProcessedInput{SessionID: "s1", Subtree: "globalState.x", Confidence: 0.5}},
		{"missing subtree key", types.ProcessedInput{SessionID: "s1", Subtree: "projectState", Confidence: 0.5}},
		{"empty input", types.ProcessedInput{SessionID: "s1", Confidence: 0.5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.UpdateContext(tc.in)
			assert.True(t, types.IsValidation(err))
		})
	}

	// Nothing committed.
	assert.Equal(t, uint64(0), m.GetCurrentContext().Version)
}

func TestSubscriberSeesMonotonicVersions(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})

	const updates = 20
	cancel := m.SubscribeToChanges(func(s types.ContextState) {
		mu.Lock()
		got = append(got, s.Version)
		if len(got) == updates {
			close(done)
		}
		mu.Unlock()
	})
	defer cancel()

	now := time.Now()
	for i := 0; i < updates; i++ {
		_, err := m.UpdateContext(input("i", "projectState.dependencies",
			map[string]string{"n": "v"}, now.Add(time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not observe all versions")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, updates)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1], "versions must be strictly increasing")
	}
}

func TestReadersGetIndependentCopies(t *testing.T) {
	m := newTestManager(t)
	_, err := m.UpdateContext(input("i1", "projectState.dependencies",
		map[string]string{"uuid": "v1.6"}, time.Now()))
	require.NoError(t, err)

	a := m.GetCurrentContext()
	a.ProjectState["dependencies"].Fields["uuid"] = "tampered"

	b := m.GetCurrentContext()
	assert.Equal(t, "v1.6", b.ProjectState["dependencies"].Fields["uuid"])
}

func TestStaleSnapshotFlagged(t *testing.T) {
	cfg := testConfig()
	cfg.StalenessTTL = 10 * time.Millisecond

	refreshed := make(chan string, 1)
	m := NewManager("s1", cfg, nil, nil, func(sessionID string) {
		select {
		case refreshed <- sessionID:
		default:
		}
	})
	defer m.Close()

	_, err := m.UpdateContext(input("i1", "projectState.dependencies",
		map[string]string{"n": "v"}, time.Now()))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	snap := m.GetCurrentContext()
	assert.True(t, snap.Stale)

	select {
	case id := <-refreshed:
		assert.Equal(t, "s1", id)
	case <-time.After(time.Second):
		t.Fatal("stale read did not request a refresh")
	}
}

// fakeRepo is an in-memory SnapshotRepo.
type fakeRepo struct {
	mu        sync.Mutex
	snapshots map[string][]types.ContextState
	audits    []types.AuditEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{snapshots: make(map[string][]types.ContextState)}
}

func (r *fakeRepo) SaveSnapshot(state types.ContextState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[state.SessionID] = append(r.snapshots[state.SessionID], state.Clone())
	return nil
}

func (r *fakeRepo) SaveAudit(entry types.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, entry)
	return nil
}

func (r *fakeRepo) LoadLatestSnapshot(sessionID string) (types.ContextState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := r.snapshots[sessionID]
	if len(snaps) == 0 {
		return types.ContextState{}, &types.NotFoundError{Kind: "snapshot", ID: sessionID}
	}
	latest := snaps[0]
	for _, s := range snaps[1:] {
		if s.Version > latest.Version {
			latest = s
		}
	}
	return latest.Clone(), nil
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	repo := newFakeRepo()
	m := NewManager("s1", testConfig(), nil, repo, nil)
	defer m.Close()

	now := time.Now().Round(0)
	_, err := m.UpdateContext(types.ProcessedInput{
		ID: "i1", SessionID: "s1", Subtree: "projectState.dependencies",
		Fields: map[string]string{"uuid": "v1.6"}, Confidence: 0.9, Timestamp: now,
		Goals: []types.LearningGoal{{ID: "g1", Concept: "generics", Priority: 2}},
	})
	require.NoError(t, err)
	require.NoError(t, m.PersistContext())

	want := m.GetCurrentContext()

	restored := NewManager("s1", testConfig(), nil, repo, nil)
	defer restored.Close()
	require.NoError(t, restored.RestoreContext("s1"))

	got := restored.GetCurrentContext()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restored snapshot differs (-want +got):\n%s", diff)
	}
}

func TestRestoreUnknownSession(t *testing.T) {
	m := NewManager("s1", testConfig(), nil, newFakeRepo(), nil)
	defer m.Close()
	assert.True(t, types.IsNotFound(m.RestoreContext("nope")))
}

func TestPersistWithoutRepo(t *testing.T) {
	m := newTestManager(t)
	assert.True(t, types.IsFatalStorage(m.PersistContext()))
}
