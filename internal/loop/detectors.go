package loop

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"mentord/internal/logging"
	"mentord/internal/types"
)

// =============================================================================
// DETECTION PHASE
// =============================================================================

// detector is one named problem finder. Detectors are pure functions over an
// Analysis; they run in a fixed order and a panic in one never takes down the
// others.
type detector struct {
	kind types.ProblemType
	fn   func(Analysis) []types.Problem
}

// detectorSet is the fixed, ordered detector registry. Order is deliberate:
// correctness problems before architectural ones, knowledge gaps before
// performance noise.
var detectorSet = []detector{
	{types.ProblemLogicalError, detectLogicalErrors},
	{types.ProblemArchitecturalFlaw, detectArchitecturalFlaws},
	{types.ProblemSecurity, detectSecurityIssues},
	{types.ProblemKnowledgeGap, detectKnowledgeGaps},
	{types.ProblemPerformance, detectPerformanceIssues},
}

// detect runs every detector over the analysis. A failing detector is
// recorded in the trace and skipped; the rest still run.
func (l *ThoughtLoop) detect(a Analysis) ([]types.Problem, []types.ReasoningStep) {
	var problems []types.Problem
	var steps []types.ReasoningStep

	for _, d := range detectorSet {
		found, failed := runDetector(d, a)
		if failed {
			logging.Get(logging.CategoryLoop).Warn("Session %s: detector %s panicked, skipping", l.sessionID, d.kind)
		}
		for i := range found {
			found[i].Type = d.kind
			found[i].SourceVersion = a.Snapshot.Version
		}
		problems = append(problems, found...)
		steps = append(steps, types.ReasoningStep{
			Kind:   types.StepDetect,
			Detect: &types.DetectStep{Detector: d.kind, ProblemCount: len(found), Failed: failed},
		})
	}
	return problems, steps
}

func runDetector(d detector, a Analysis) (found []types.Problem, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			found, failed = nil, true
		}
	}()
	return d.fn(a), false
}

// diagnosticFields returns the diagnostics subtree fields in stable key order,
// along with the subtree's refresh time for FirstSeen stamping.
func diagnosticFields(a Analysis) ([]string, map[string]string, time.Time) {
	st, ok := a.Snapshot.ProjectState["diagnostics"]
	if !ok {
		return nil, nil, time.Time{}
	}
	keys := make([]string, 0, len(st.Fields))
	for k := range st.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, st.Fields, st.UpdatedAt
}

// detectLogicalErrors surfaces error-class diagnostics reported by input
// adapters: fields of the diagnostics subtree whose value carries the
// "error:" marker. The key names the affected component.
func detectLogicalErrors(a Analysis) []types.Problem {
	keys, fields, seen := diagnosticFields(a)
	var out []types.Problem
	for _, k := range keys {
		msg, ok := strings.CutPrefix(fields[k], "error:")
		if !ok {
			continue
		}
		out = append(out, types.Problem{
			Severity:           types.SeverityHigh,
			Description:        fmt.Sprintf("Logical error in %s: %s", k, strings.TrimSpace(msg)),
			AffectedComponents: []string{k},
			SuggestedActions:   []string{"review the failing logic", "add a regression test"},
			RootCause:          strings.TrimSpace(msg),
			FirstSeen:          seen,
		})
	}
	return out
}

// detectArchitecturalFlaws reads the architecture subtree for structural
// findings ("cycle:" markers describing dependency cycles and the like).
func detectArchitecturalFlaws(a Analysis) []types.Problem {
	st, ok := a.Snapshot.ProjectState["architecture"]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(st.Fields))
	for k := range st.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []types.Problem
	for _, k := range keys {
		detail, ok := strings.CutPrefix(st.Fields[k], "cycle:")
		if !ok {
			continue
		}
		comps := strings.Split(strings.TrimSpace(detail), ",")
		for i := range comps {
			comps[i] = strings.TrimSpace(comps[i])
		}
		out = append(out, types.Problem{
			Severity:           types.SeverityHigh,
			Description:        fmt.Sprintf("Dependency cycle through %s", strings.Join(comps, " -> ")),
			AffectedComponents: comps,
			SuggestedActions:   []string{"extract the shared pieces into a lower-level package"},
			RootCause:          "dependency cycle: " + strings.TrimSpace(detail),
			FirstSeen:          st.UpdatedAt,
		})
	}
	return out
}

// detectSecurityIssues flags "sec:" diagnostics as critical findings.
func detectSecurityIssues(a Analysis) []types.Problem {
	keys, fields, seen := diagnosticFields(a)
	var out []types.Problem
	for _, k := range keys {
		msg, ok := strings.CutPrefix(fields[k], "sec:")
		if !ok {
			continue
		}
		out = append(out, types.Problem{
			Severity:           types.SeverityCritical,
			Description:        fmt.Sprintf("Security issue in %s: %s", k, strings.TrimSpace(msg)),
			AffectedComponents: []string{k},
			SuggestedActions:   []string{"fix before anything else ships"},
			RootCause:          strings.TrimSpace(msg),
			FirstSeen:          seen,
		})
	}
	return out
}

// detectKnowledgeGaps turns the analysis's below-threshold concepts into one
// problem per concept. Gap order (prerequisites first) is preserved so the
// planner addresses foundations before dependents.
func detectKnowledgeGaps(a Analysis) []types.Problem {
	var out []types.Problem
	for _, g := range a.Gaps {
		out = append(out, types.Problem{
			Severity:           types.SeverityMedium,
			Description:        fmt.Sprintf("Mastery of %q is %.2f, below the learning threshold", g.Concept, g.Mastery),
			AffectedComponents: []string{g.Concept},
			SuggestedActions:   []string{"work through a short lesson on " + g.Concept},
			RootCause:          "insufficient mastery of " + g.Concept,
			FirstSeen:          a.Snapshot.LastUpdated,
		})
	}
	return out
}

// detectPerformanceIssues flags "slow:" diagnostics as low-urgency findings.
func detectPerformanceIssues(a Analysis) []types.Problem {
	keys, fields, seen := diagnosticFields(a)
	var out []types.Problem
	for _, k := range keys {
		msg, ok := strings.CutPrefix(fields[k], "slow:")
		if !ok {
			continue
		}
		out = append(out, types.Problem{
			Severity:           types.SeverityLow,
			Description:        fmt.Sprintf("Performance concern in %s: %s", k, strings.TrimSpace(msg)),
			AffectedComponents: []string{k},
			SuggestedActions:   []string{"profile before optimizing"},
			RootCause:          strings.TrimSpace(msg),
			FirstSeen:          seen,
		})
	}
	return out
}
