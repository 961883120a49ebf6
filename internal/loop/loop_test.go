package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mentord/internal/config"
	"mentord/internal/generator"
	"mentord/internal/graph"
	"mentord/internal/types"
)

func TestMain(m *testing.M) {
	// The genai import chain starts an opencensus stats worker from an init;
	// it is process-global, not a leak of ours.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeContext is an in-memory ContextSource for driving the loop.
type fakeContext struct {
	mu      sync.Mutex
	snap    types.ContextState
	subs    []func(types.ContextState)
	cancels int
}

func (f *fakeContext) GetCurrentContext() types.ContextState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Clone()
}

func (f *fakeContext) SubscribeToChanges(cb func(types.ContextState)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, cb)
	return func() {
		f.mu.Lock()
		f.cancels++
		f.mu.Unlock()
	}
}

func (f *fakeContext) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *fakeContext) commit(snap types.ContextState) {
	f.mu.Lock()
	f.snap = snap
	subs := append([]func(types.ContextState){}, f.subs...)
	f.mu.Unlock()
	for _, cb := range subs {
		cb(snap.Clone())
	}
}

// fakeLoopRepo records persisted traces and interventions; failWith makes
// every write fail.
type fakeLoopRepo struct {
	mu            sync.Mutex
	traces        []types.ReasoningTrace
	interventions map[string]types.Intervention
	failWith      error
}

func newFakeLoopRepo() *fakeLoopRepo {
	return &fakeLoopRepo{interventions: make(map[string]types.Intervention)}
}

func (r *fakeLoopRepo) SaveTrace(trace types.ReasoningTrace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.traces = append(r.traces, trace)
	return nil
}

func (r *fakeLoopRepo) SaveIntervention(iv types.Intervention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.interventions[iv.ID] = iv
	return nil
}

func (r *fakeLoopRepo) traceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.traces)
}

func testLoopConfig() config.LoopConfig {
	return config.LoopConfig{
		TickInterval:    20 * time.Millisecond,
		AnalysisTimeout: time.Second,
		RateLimit:       10,
		RateWindow:      time.Minute,
		BackoffBase:     time.Hour,
		BackoffCap:      4 * time.Hour,
		DiscardOnStop:   true,
	}
}

func templateGen() *generator.WithFallback {
	return &generator.WithFallback{
		Fallback: &generator.TemplateGenerator{},
		Timeout:  50 * time.Millisecond,
	}
}

func diagnosticSnapshot(version uint64, diagnostics map[string]string) types.ContextState {
	now := time.Now()
	return types.ContextState{
		SessionID: "s1",
		Version:   version,
		ProjectState: map[string]types.SubtreeState{
			"diagnostics": {Fields: diagnostics, UpdatedAt: now, Confidence: 0.9},
		},
		UserState:   map[string]types.SubtreeState{},
		LastUpdated: now,
	}
}

func newTestLoop(cfg config.LoopConfig, fc *fakeContext, repo *fakeLoopRepo) (*ThoughtLoop, *graph.Engine) {
	engine := graph.NewEngine(config.DefaultConfig().Graph)
	var r Repo
	if repo != nil {
		r = repo
	}
	return New("s1", cfg, engine, fc, templateGen(), r), engine
}

func TestCycleDeliversIntervention(t *testing.T) {
	fc := &fakeContext{}
	repo := newFakeLoopRepo()
	l, _ := newTestLoop(testLoopConfig(), fc, repo)

	fc.commit(diagnosticSnapshot(1, map[string]string{"auth.go": "error: nil pointer dereference"}))
	l.runCycle(context.Background())

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.CyclesRun)
	assert.Equal(t, int64(1), stats.ProblemsFound)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.FallbackPayloads, "template path with no primary generator")

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.traces, 1)
	require.Len(t, repo.interventions, 1)
	for _, iv := range repo.interventions {
		assert.Equal(t, types.InterventionDelivered, iv.State)
		assert.Equal(t, types.ProblemLogicalError, iv.ProblemType)
		assert.Equal(t, types.InterventionHint, iv.Kind)
		assert.Equal(t, repo.traces[0].ID, iv.TraceID)
		assert.NotEmpty(t, iv.Payload)
	}
}

func TestCycleSkipsUnchangedVersion(t *testing.T) {
	fc := &fakeContext{}
	l, _ := newTestLoop(testLoopConfig(), fc, nil)

	fc.commit(diagnosticSnapshot(1, map[string]string{"a.go": "error: boom"}))
	l.runCycle(context.Background())
	l.runCycle(context.Background())

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.CyclesRun)
	assert.Equal(t, int64(1), stats.CyclesSkipped)
}

// The same unresolved problem across snapshot versions yields exactly one
// intervention.
func TestRecurringProblemDeduplicated(t *testing.T) {
	fc := &fakeContext{}
	l, _ := newTestLoop(testLoopConfig(), fc, nil)

	diag := map[string]string{"auth.go": "error: nil pointer dereference"}
	fc.commit(diagnosticSnapshot(1, diag))
	l.runCycle(context.Background())
	fc.commit(diagnosticSnapshot(2, diag))
	l.runCycle(context.Background())

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.Deduped)
}

func TestPlanningRateLimited(t *testing.T) {
	cfg := testLoopConfig()
	cfg.RateLimit = 2
	fc := &fakeContext{}
	l, _ := newTestLoop(cfg, fc, nil)

	fc.commit(diagnosticSnapshot(1, map[string]string{
		"a.go": "error: one",
		"b.go": "error: two",
		"c.go": "error: three",
		"d.go": "error: four",
	}))
	l.runCycle(context.Background())

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.Delivered)
	assert.Equal(t, int64(2), stats.RateLimited)
}

// Any rolling window of RateWindow length delivers at most RateLimit
// interventions, even once the smoothing limiter has refilled tokens
// mid-window.
func TestDeliveryCapHoldsWithinWindow(t *testing.T) {
	cfg := testLoopConfig()
	cfg.RateLimit = 2
	cfg.RateWindow = 2 * time.Second
	fc := &fakeContext{}
	l, _ := newTestLoop(cfg, fc, nil)

	fc.commit(diagnosticSnapshot(1, map[string]string{
		"a.go": "error: one",
		"b.go": "error: two",
	}))
	l.runCycle(context.Background())
	require.Equal(t, int64(2), l.Stats().Delivered)

	// More than RateWindow/RateLimit elapses, so a refill-based limiter
	// alone would hand out a third token inside the same window.
	time.Sleep(1200 * time.Millisecond)

	fc.commit(diagnosticSnapshot(2, map[string]string{"c.go": "error: three"}))
	l.runCycle(context.Background())

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.Delivered, "a third delivery would exceed the window cap")
	assert.Equal(t, int64(1), stats.RateLimited)
}

// A config reload mid-window must not re-grant the delivery budget the
// current window already spent.
func TestTuneKeepsDeliveryWindow(t *testing.T) {
	cfg := testLoopConfig()
	cfg.RateLimit = 1
	fc := &fakeContext{}
	l, _ := newTestLoop(cfg, fc, nil)

	fc.commit(diagnosticSnapshot(1, map[string]string{"a.go": "error: one"}))
	l.runCycle(context.Background())
	require.Equal(t, int64(1), l.Stats().Delivered)

	l.Tune(cfg)

	fc.commit(diagnosticSnapshot(2, map[string]string{"b.go": "error: two"}))
	l.runCycle(context.Background())

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.RateLimited)
}

func TestSeverityOrdering(t *testing.T) {
	cfg := testLoopConfig()
	cfg.RateLimit = 1
	fc := &fakeContext{}
	repo := newFakeLoopRepo()
	l, _ := newTestLoop(cfg, fc, repo)

	// One critical security finding and one high logical error: with budget
	// for a single intervention, security wins.
	fc.commit(diagnosticSnapshot(1, map[string]string{
		"auth.go":  "error: nil pointer dereference",
		"token.go": "sec: hardcoded credential",
	}))
	l.runCycle(context.Background())

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.interventions, 1)
	for _, iv := range repo.interventions {
		assert.Equal(t, types.ProblemSecurity, iv.ProblemType)
	}
}

func TestDismissalBackoff(t *testing.T) {
	fc := &fakeContext{}
	l, _ := newTestLoop(testLoopConfig(), fc, nil)

	diag := map[string]string{"auth.go": "error: nil pointer dereference"}
	fc.commit(diagnosticSnapshot(1, diag))
	l.runCycle(context.Background())

	var id string
	l.mu.Lock()
	for ivID := range l.delivered {
		id = ivID
	}
	l.mu.Unlock()
	require.NotEmpty(t, id)

	require.NoError(t, l.RecordUserResponse(id, ResponseDismissed))

	// Same problem next cycle: signature is cooling down, not re-planned.
	fc.commit(diagnosticSnapshot(2, diag))
	l.runCycle(context.Background())

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.Dismissed)
	assert.GreaterOrEqual(t, stats.CooledDown, int64(1))
}

func TestAcceptedGapInterventionFeedsGraph(t *testing.T) {
	fc := &fakeContext{}
	l, engine := newTestLoop(testLoopConfig(), fc, nil)

	snap := diagnosticSnapshot(1, nil)
	snap.LearningGoals = []types.LearningGoal{{ID: "g1", Concept: "generics", Priority: 1}}
	fc.commit(snap)
	l.runCycle(context.Background())

	var id string
	l.mu.Lock()
	for ivID, iv := range l.delivered {
		require.Equal(t, types.ProblemKnowledgeGap, iv.ProblemType)
		require.Equal(t, types.InterventionLesson, iv.Kind)
		require.Equal(t, []string{"generics"}, iv.GapConcepts)
		id = ivID
	}
	l.mu.Unlock()
	require.NotEmpty(t, id)

	require.NoError(t, l.RecordUserResponse(id, ResponseAccepted))

	lvl := engine.GetMasteryLevel("generics")
	assert.True(t, lvl.Known)
	assert.Greater(t, lvl.Confidence, 0.0)
	assert.Zero(t, lvl.Mastery, "an accepted explanation is confidence-only evidence")
}

func TestRecordUserResponseValidation(t *testing.T) {
	fc := &fakeContext{}
	l, _ := newTestLoop(testLoopConfig(), fc, nil)

	assert.True(t, types.IsValidation(l.RecordUserResponse("any", "maybe")))
	assert.True(t, types.IsNotFound(l.RecordUserResponse("missing", ResponseAccepted)))
}

func TestStorageFailureDegradesLoop(t *testing.T) {
	fc := &fakeContext{}
	repo := newFakeLoopRepo()
	repo.failWith = &types.StorageError{Op: "SaveIntervention", Retries: 3, Err: context.DeadlineExceeded}
	l, _ := newTestLoop(testLoopConfig(), fc, repo)

	fc.commit(diagnosticSnapshot(1, map[string]string{"a.go": "error: boom"}))
	l.runCycle(context.Background())

	assert.True(t, l.Degraded())
	assert.Equal(t, PhasePaused, l.Phase())

	// In-memory reads keep working.
	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Delivered)
}

// A fatal storage failure shuts the control task down outright: the run
// goroutine exits and the change subscription is released without an
// explicit StopMonitoring. Goroutine exit is verified by the package's leak
// check.
func TestDegradeReleasesControlTask(t *testing.T) {
	fc := &fakeContext{}
	repo := newFakeLoopRepo()
	repo.failWith = &types.StorageError{Op: "SaveIntervention", Retries: 3, Err: context.DeadlineExceeded}
	l, _ := newTestLoop(testLoopConfig(), fc, repo)

	l.StartMonitoring(context.Background())
	fc.commit(diagnosticSnapshot(1, map[string]string{"a.go": "error: boom"}))

	require.Eventually(t, func() bool { return l.Degraded() }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fc.cancelCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, PhasePaused, l.Phase())

	// StopMonitoring on an already-degraded loop returns without blocking.
	l.StopMonitoring()
	assert.Equal(t, 1, fc.cancelCount())
}

func TestStartStopMonitoring(t *testing.T) {
	fc := &fakeContext{}
	repo := newFakeLoopRepo()
	l, _ := newTestLoop(testLoopConfig(), fc, repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l.StartMonitoring(ctx)
	fc.commit(diagnosticSnapshot(1, map[string]string{"a.go": "error: boom"}))

	require.Eventually(t, func() bool {
		return l.Stats().Delivered >= 1 && repo.traceCount() >= 1
	}, 5*time.Second, 5*time.Millisecond, "loop never delivered after a context change")

	l.StopMonitoring()
	assert.Equal(t, PhasePaused, l.Phase())

	// No further deliveries once stopped.
	delivered := l.Stats().Delivered
	fc.commit(diagnosticSnapshot(2, map[string]string{"b.go": "error: another"}))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, delivered, l.Stats().Delivered)
}

func TestStopDiscardsQueued(t *testing.T) {
	cfg := testLoopConfig()
	cfg.TickInterval = time.Hour // nothing fires during the test
	fc := &fakeContext{}
	l, _ := newTestLoop(cfg, fc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.StartMonitoring(ctx)

	// Queue something by hand, then stop: the default config discards it.
	l.mu.Lock()
	l.queued = append(l.queued, types.Intervention{
		ID: "q1", SessionID: "s1", ProblemSignature: "sig", State: types.InterventionQueued,
	})
	l.pendingSigs["sig"] = "q1"
	l.mu.Unlock()

	l.StopMonitoring()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.queued)
	assert.Empty(t, l.pendingSigs)
}

func TestAnalysisTimeoutYieldsPartialResult(t *testing.T) {
	cfg := testLoopConfig()
	cfg.AnalysisTimeout = time.Nanosecond
	fc := &fakeContext{}
	l, _ := newTestLoop(cfg, fc, nil)

	snap := diagnosticSnapshot(1, nil)
	snap.LearningGoals = []types.LearningGoal{{ID: "g1", Concept: "generics", Priority: 1}}
	fc.commit(snap)

	a := l.analyze(context.Background(), fc.GetCurrentContext())
	if a.Incomplete {
		assert.Empty(t, a.Gaps, "partial analysis carries no gap results")
	}
}
