package graph

import (
	"mentord/internal/logging"
	"mentord/internal/types"
)

// Gap is one below-threshold concept on a required learning path.
type Gap struct {
	Concept    string
	Mastery    float64
	Confidence float64
}

// IdentifyGaps walks hard-prerequisite edges transitively from each required
// concept and returns every ancestor (the required concept included) whose
// mastery is below the gap threshold. Results are ordered topologically,
// prerequisites before dependents, so downstream consumers can present them
// in learnable order. Concepts never seen by the engine count as mastery 0.
func (e *Engine) IdentifyGaps(requiredConcepts []string) []Gap {
	timer := logging.StartTimer(logging.CategoryGraph, "IdentifyGaps")
	defer timer.Stop()

	e.mu.RLock()
	defer e.mu.RUnlock()

	threshold := e.cfg.GapThreshold
	visited := make(map[string]bool)
	var ordered []string

	// Postorder DFS over hard edges emits prerequisites before dependents.
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		if n := e.nodes[id]; n != nil {
			for p, kind := range n.prereqs {
				if kind == EdgeHard {
					visit(p)
				}
			}
		}
		ordered = append(ordered, id)
	}
	for _, c := range requiredConcepts {
		visit(c)
	}

	var gaps []Gap
	for _, id := range ordered {
		mastery, confidence := 0.0, 0.0
		if n := e.nodes[id]; n != nil {
			n.mu.Lock()
			mastery, confidence = n.mastery, n.confidence
			n.mu.Unlock()
		}
		if mastery < threshold {
			gaps = append(gaps, Gap{Concept: id, Mastery: mastery, Confidence: confidence})
		}
	}

	logging.GraphDebug("IdentifyGaps(%v): %d gaps below %.2f", requiredConcepts, len(gaps), threshold)
	return gaps
}

// GetPrerequisites returns the direct hard-prerequisite ids of a concept.
// Fails with NotFoundError if the id was never created.
func (e *Engine) GetPrerequisites(concept string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := e.nodes[concept]
	if n == nil {
		return nil, &types.NotFoundError{Kind: "concept", ID: concept}
	}

	var out []string
	for p, kind := range n.prereqs {
		if kind == EdgeHard {
			out = append(out, p)
		}
	}
	return out, nil
}
