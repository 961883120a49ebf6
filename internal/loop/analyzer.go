package loop

import (
	"context"
	"sort"

	"mentord/internal/graph"
	"mentord/internal/logging"
	"mentord/internal/types"
)

// =============================================================================
// ANALYSIS PHASE
// =============================================================================

// Analysis is the derived view of one snapshot that the detectors consume.
// It is a pure function of the snapshot plus knowledge-graph queries: the
// analyzer holds no state of its own.
type Analysis struct {
	Snapshot         types.ContextState
	RequiredConcepts []string
	Gaps             []graph.Gap
	Incomplete       bool // analysis exceeded its deadline; partial results
}

// analyze builds an Analysis under the configured deadline. On timeout the
// partial result is returned flagged Incomplete rather than blocking the
// cycle.
func (l *ThoughtLoop) analyze(ctx context.Context, snap types.ContextState) Analysis {
	cfg := l.config()
	actx, cancel := context.WithTimeout(ctx, cfg.AnalysisTimeout)
	defer cancel()

	done := make(chan Analysis, 1)
	go func() {
		done <- l.analyzeSnapshot(snap)
	}()

	select {
	case a := <-done:
		return a
	case <-actx.Done():
		logging.Get(logging.CategoryLoop).Warn("Session %s: analysis exceeded %v, using partial results",
			l.sessionID, cfg.AnalysisTimeout)
		return Analysis{Snapshot: snap, Incomplete: true}
	}
}

func (l *ThoughtLoop) analyzeSnapshot(snap types.ContextState) Analysis {
	timer := logging.StartTimer(logging.CategoryLoop, "analyzeSnapshot")
	defer timer.Stop()

	required := requiredConcepts(snap)
	return Analysis{
		Snapshot:         snap,
		RequiredConcepts: required,
		Gaps:             l.knowledge.IdentifyGaps(required),
	}
}

// requiredConcepts derives the concept set the session currently depends on:
// the user's learning goals ordered by priority, plus any concepts the
// project's dependency subtree names.
func requiredConcepts(snap types.ContextState) []string {
	goals := append([]types.LearningGoal(nil), snap.LearningGoals...)
	sort.SliceStable(goals, func(i, j int) bool {
		return goals[i].Priority > goals[j].Priority
	})

	seen := make(map[string]bool)
	var out []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, g := range goals {
		add(g.Concept)
	}
	if deps, ok := snap.ProjectState["dependencies"]; ok {
		keys := make([]string, 0, len(deps.Fields))
		for k := range deps.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(k)
		}
	}
	return out
}
