package loop

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"mentord/internal/graph"
	"mentord/internal/logging"
	"mentord/internal/types"
)

// =============================================================================
// CYCLE DRIVER
// =============================================================================

// runCycle executes one Analyzing -> Detecting -> Planning -> Executing pass
// and records a reasoning trace for it. A cycle against an already-analyzed
// snapshot version is a no-op.
func (l *ThoughtLoop) runCycle(ctx context.Context) {
	snap := l.contexts.GetCurrentContext()

	l.mu.Lock()
	if l.cycled && snap.Version == l.lastVersion {
		l.stats.CyclesSkipped++
		l.mu.Unlock()
		logging.LoopDebug("Session %s: version %d already analyzed, skipping cycle", l.sessionID, snap.Version)
		return
	}
	l.mu.Unlock()

	started := time.Now()
	traceID := uuid.New().String()
	var steps []types.ReasoningStep

	// ------ ANALYZE ------
	l.setPhase(PhaseAnalyzing)
	analysis := l.analyze(ctx, snap)
	steps = append(steps, types.ReasoningStep{
		Kind: types.StepAnalyze,
		Analyze: &types.AnalyzeStep{
			SnapshotVersion: snap.Version,
			GapConcepts:     gapConcepts(analysis.Gaps),
			Incomplete:      analysis.Incomplete,
		},
	})

	// ------ DETECT ------
	l.setPhase(PhaseDetecting)
	problems, detectSteps := l.detect(analysis)
	steps = append(steps, detectSteps...)

	// ------ PLAN ------
	l.setPhase(PhasePlanning)
	planStep := l.plan(problems, snap.Version)
	steps = append(steps, types.ReasoningStep{Kind: types.StepPlan, Plan: &planStep})

	// ------ EXECUTE ------
	// Skipped once a stop has been requested: no deliveries after stop.
	l.stampTrace(traceID)
	if !l.stopped.Load() {
		l.setPhase(PhaseExecuting)
		steps = append(steps, l.executeQueued(ctx)...)
	}

	l.mu.Lock()
	l.lastVersion = snap.Version
	l.cycled = true
	l.stats.CyclesRun++
	l.stats.ProblemsFound += int64(len(problems))
	l.mu.Unlock()

	// A degraded execution phase already moved the loop to Paused.
	if l.degraded.Load() {
		return
	}
	l.setPhase(PhaseIdle)

	trace := types.ReasoningTrace{
		ID:              traceID,
		SessionID:       l.sessionID,
		SnapshotVersion: snap.Version,
		Steps:           steps,
		FinalDecision:   decisionSummary(planStep),
		Confidence:      analysisConfidence(analysis),
		DurationMs:      time.Since(started).Milliseconds(),
		CreatedAt:       time.Now(),
	}

	if l.repo != nil {
		if err := l.repo.SaveTrace(trace); err != nil {
			var serr *types.StorageError
			if errors.As(err, &serr) {
				l.degrade(serr)
				return
			}
			logging.Get(logging.CategoryLoop).Warn("Session %s: trace save failed: %v", l.sessionID, err)
		}
	}

	logging.LoopDebug("Session %s: cycle v%d done in %dms (%d problems, %d planned)",
		l.sessionID, snap.Version, trace.DurationMs, len(problems), planStep.Planned)
}

func (l *ThoughtLoop) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
}

// stampTrace links freshly-planned interventions to the trace of the cycle
// that planned them, before execution hands them out.
func (l *ThoughtLoop) stampTrace(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.queued {
		if l.queued[i].TraceID == "" {
			l.queued[i].TraceID = id
		}
	}
}

func gapConcepts(gaps []graph.Gap) []string {
	if len(gaps) == 0 {
		return nil
	}
	out := make([]string, len(gaps))
	for i, g := range gaps {
		out[i] = g.Concept
	}
	return out
}

func decisionSummary(p types.PlanStep) string {
	if p.Planned == 0 {
		return "no intervention"
	}
	return "planned interventions"
}

// analysisConfidence is the trace-level confidence: the mean confidence of
// the subtrees the analysis read, discounted when the analysis timed out.
func analysisConfidence(a Analysis) float64 {
	snap := a.Snapshot
	total, n := 0.0, 0
	for _, st := range snap.ProjectState {
		total += st.Confidence
		n++
	}
	for _, st := range snap.UserState {
		total += st.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	c := total / float64(n)
	if a.Incomplete {
		c *= 0.5
	}
	return c
}
