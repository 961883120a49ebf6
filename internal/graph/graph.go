// Package graph implements the knowledge graph engine: an evidence-weighted
// model of concept mastery with prerequisite edges and gap queries.
//
// Concurrency model: the engine-level mutex guards the node map and edge
// topology. Mastery and confidence are read-modify-write under a per-node
// mutex, so independent concepts mutate concurrently with no cross-node
// locking. Evidence application order within one concept is the arrival
// order at the engine, not wall-clock timestamp order, which keeps updates
// idempotent under retry.
package graph

import (
	"sync"
	"time"

	"mentord/internal/config"
	"mentord/internal/logging"
	"mentord/internal/types"
)

// EdgeKind distinguishes blocking prerequisites from advisory hints.
type EdgeKind int

const (
	// EdgeHard blocks learning progression. The hard subgraph must stay acyclic.
	EdgeHard EdgeKind = iota
	// EdgeSoft is a non-blocking relationship hint; soft edges may cycle.
	EdgeSoft
)

func (k EdgeKind) String() string {
	if k == EdgeHard {
		return "hard"
	}
	return "soft"
}

// node is one trackable unit of knowledge. Created on first evidence
// referencing an unseen concept id; mutated only through evidence
// application; never hard-deleted, only marked inactive.
type node struct {
	mu sync.Mutex

	id         string
	mastery    float64
	confidence float64
	category   types.ConceptCategory
	active     bool

	// prereqs maps prerequisite id -> edge kind. dependents is the inverse
	// relation; the two sets are kept mutual inverses by the engine.
	prereqs    map[string]EdgeKind
	dependents map[string]struct{}

	// Bounded most-recent-N evidence log.
	evidence []types.MasteryEvidence

	// errorSeen tracks recent error signatures for confusion correlation.
	errorSeen map[string][]time.Time

	// version increments per mutation; persistence keys writes by id+version
	// so at-least-once delivery stays idempotent.
	version uint64
}

// Engine owns the concept nodes and mastery arithmetic.
type Engine struct {
	mu    sync.RWMutex
	nodes map[string]*node
	cfg   config.GraphConfig
}

// NewEngine creates an empty knowledge graph with the given tunables.
func NewEngine(cfg config.GraphConfig) *Engine {
	return &Engine{
		nodes: make(map[string]*node),
		cfg:   cfg,
	}
}

// Tune replaces the engine's tunables. Used by config hot-reload.
func (e *Engine) Tune(cfg config.GraphConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// getOrCreate returns the node for id, creating it on first reference.
func (e *Engine) getOrCreate(id string) *node {
	e.mu.RLock()
	n, ok := e.nodes[id]
	e.mu.RUnlock()
	if ok {
		return n
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.nodes[id]; ok {
		return n
	}

	n = &node{
		id:         id,
		active:     true,
		category:   types.CategoryDomain,
		prereqs:    make(map[string]EdgeKind),
		dependents: make(map[string]struct{}),
		errorSeen:  make(map[string][]time.Time),
	}
	e.nodes[id] = n
	logging.GraphDebug("Created concept node %q", id)
	return n
}

// get returns the node for id, or nil if it was never created.
func (e *Engine) get(id string) *node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodes[id]
}

// SetCategory assigns a category to a concept, creating it if absent.
func (e *Engine) SetCategory(id string, cat types.ConceptCategory) {
	n := e.getOrCreate(id)
	n.mu.Lock()
	n.category = cat
	n.version++
	n.mu.Unlock()
}

// Deactivate marks a concept inactive. Nodes are never hard-deleted.
func (e *Engine) Deactivate(id string) error {
	n := e.get(id)
	if n == nil {
		return &types.NotFoundError{Kind: "concept", ID: id}
	}
	n.mu.Lock()
	n.active = false
	n.version++
	n.mu.Unlock()
	logging.Graph("Concept %q marked inactive", id)
	return nil
}

// AddPrerequisite inserts an edge prereq -> concept. Both nodes are created
// if absent. A hard insertion that would create a cycle in the hard subgraph
// is rejected with CycleError; the edge is dropped and the caller informed.
// Soft edges are accepted unconditionally.
func (e *Engine) AddPrerequisite(concept, prereq string, kind EdgeKind) error {
	if concept == prereq {
		return &types.CycleError{Concept: concept, Prerequisite: prereq}
	}

	// Ensure both nodes exist before taking the topology lock.
	e.getOrCreate(concept)
	e.getOrCreate(prereq)

	e.mu.Lock()
	defer e.mu.Unlock()

	cn := e.nodes[concept]
	pn := e.nodes[prereq]

	// The new edge closes a cycle iff concept is already a transitive hard
	// prerequisite of prereq.
	if kind == EdgeHard && e.hardPathExistsLocked(prereq, concept) {
		logging.Graph("Rejected hard edge %s -> %s (cycle)", prereq, concept)
		return &types.CycleError{Concept: concept, Prerequisite: prereq}
	}

	cn.prereqs[prereq] = kind
	pn.dependents[concept] = struct{}{}
	logging.GraphDebug("Edge added: %s -[%s]-> %s", prereq, kind, concept)
	return nil
}

// hardPathExistsLocked reports whether `to` is reachable from `from` over
// hard prerequisite edges. Caller holds e.mu.
func (e *Engine) hardPathExistsLocked(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n := e.nodes[cur]
		if n == nil {
			continue
		}
		for p, kind := range n.prereqs {
			if kind != EdgeHard || visited[p] {
				continue
			}
			if p == to {
				return true
			}
			visited[p] = true
			queue = append(queue, p)
		}
	}
	return false
}

// ConceptRecord is an exportable view of one node, used by persistence and
// the explanation interface.
type ConceptRecord struct {
	ID         string                  `json:"id"`
	Mastery    float64                 `json:"mastery"`
	Confidence float64                 `json:"confidence"`
	Category   types.ConceptCategory   `json:"category"`
	Active     bool                    `json:"active"`
	HardPrereqs []string               `json:"hard_prereqs"`
	SoftPrereqs []string               `json:"soft_prereqs"`
	Evidence   []types.MasteryEvidence `json:"evidence"`
	Version    uint64                  `json:"version"`
}

// Export returns a stable view of every node for persistence.
func (e *Engine) Export() []ConceptRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]ConceptRecord, 0, len(e.nodes))
	for _, n := range e.nodes {
		n.mu.Lock()
		rec := ConceptRecord{
			ID:         n.id,
			Mastery:    n.mastery,
			Confidence: n.confidence,
			Category:   n.category,
			Active:     n.active,
			Evidence:   append([]types.MasteryEvidence(nil), n.evidence...),
			Version:    n.version,
		}
		for p, kind := range n.prereqs {
			if kind == EdgeHard {
				rec.HardPrereqs = append(rec.HardPrereqs, p)
			} else {
				rec.SoftPrereqs = append(rec.SoftPrereqs, p)
			}
		}
		n.mu.Unlock()
		out = append(out, rec)
	}
	return out
}

// Import rebuilds the graph from persisted records. Used on restore; the
// engine must be empty.
func (e *Engine) Import(records []ConceptRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rec := range records {
		n := &node{
			id:         rec.ID,
			mastery:    rec.Mastery,
			confidence: rec.Confidence,
			category:   rec.Category,
			active:     rec.Active,
			prereqs:    make(map[string]EdgeKind),
			dependents: make(map[string]struct{}),
			errorSeen:  make(map[string][]time.Time),
			evidence:   append([]types.MasteryEvidence(nil), rec.Evidence...),
			version:    rec.Version,
		}
		e.nodes[rec.ID] = n
	}

	// Second pass: rebuild edges and the inverse dependent sets.
	for _, rec := range records {
		n := e.nodes[rec.ID]
		for _, p := range rec.HardPrereqs {
			if pn, ok := e.nodes[p]; ok {
				n.prereqs[p] = EdgeHard
				pn.dependents[rec.ID] = struct{}{}
			}
		}
		for _, p := range rec.SoftPrereqs {
			if pn, ok := e.nodes[p]; ok {
				n.prereqs[p] = EdgeSoft
				pn.dependents[rec.ID] = struct{}{}
			}
		}
	}

	logging.Graph("Imported %d concept nodes", len(records))
}

// Size returns the number of concept nodes, active or not.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.nodes)
}
