// Package types provides shared type definitions used across mentord packages.
// This package exists to break import cycles between graph, contextstate, and loop.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// MASTERY EVIDENCE
// =============================================================================

// EvidenceType classifies a single mastery observation.
type EvidenceType string

const (
	EvidenceCorrectUsage          EvidenceType = "correct-usage"
	EvidenceErrorPattern          EvidenceType = "error-pattern"
	EvidenceExplanationRequest    EvidenceType = "explanation-request"
	EvidenceSuccessfulApplication EvidenceType = "successful-application"
)

// Valid reports whether the evidence type is one of the known kinds.
func (e EvidenceType) Valid() bool {
	switch e {
	case EvidenceCorrectUsage, EvidenceErrorPattern, EvidenceExplanationRequest, EvidenceSuccessfulApplication:
		return true
	}
	return false
}

// MasteryEvidence is one immutable observation about a concept.
// Appended to a concept's evidence log, never edited.
type MasteryEvidence struct {
	Type      EvidenceType `json:"type"`
	Strength  float64      `json:"strength"` // [0,1]
	Context   string       `json:"context"`
	Timestamp time.Time    `json:"timestamp"`
}

// ConceptCategory groups concept nodes for reporting.
type ConceptCategory string

const (
	CategoryLanguage  ConceptCategory = "language"
	CategoryLibrary   ConceptCategory = "library"
	CategoryPattern   ConceptCategory = "pattern"
	CategoryToolchain ConceptCategory = "toolchain"
	CategoryDomain    ConceptCategory = "domain"
)

// ConceptEvidence binds evidence to a concept id, as derived by input adapters.
type ConceptEvidence struct {
	Concept  string          `json:"concept"`
	Evidence MasteryEvidence `json:"evidence"`
}

// =============================================================================
// PROCESSED INPUT - Input Adapter Boundary
// =============================================================================

// InputType identifies which adapter produced a ProcessedInput.
type InputType string

const (
	InputCode  InputType = "code"
	InputText  InputType = "text"
	InputImage InputType = "image"
	InputLog   InputType = "log"
)

// ProcessedInput is one externally-processed observation about the user's work.
// The core never parses raw code/images/text itself; adapters deliver the
// extracted structure plus the context subtree it touches.
type ProcessedInput struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Type       InputType         `json:"type"`
	Subtree    string            `json:"subtree"` // dotted path, e.g. "projectState.dependencies"
	Fields     map[string]string `json:"fields"`  // extracted structured content
	Confidence float64           `json:"confidence"`
	Timestamp  time.Time         `json:"timestamp"`
	Evidence   []ConceptEvidence `json:"evidence,omitempty"` // error/success signals for the graph
	Goals      []LearningGoal    `json:"goals,omitempty"`    // learning goals observed in the input
}

// SubtreeRoot splits the subtree path into its root ("projectState" or
// "userState") and the key within that root.
func (p ProcessedInput) SubtreeRoot() (root, key string) {
	parts := strings.SplitN(p.Subtree, ".", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

// =============================================================================
// CONTEXT STATE - Fused Snapshot
// =============================================================================

// SubtreeState holds the fused fields for one subtree of project or user state.
type SubtreeState struct {
	Fields      map[string]string `json:"fields"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Confidence  float64           `json:"confidence"`
	SourceInput string            `json:"source_input"`
}

// LearningGoal is one user learning objective, ordered and de-duplicated by id.
type LearningGoal struct {
	ID       string `json:"id"`
	Concept  string `json:"concept"`
	Priority int    `json:"priority"`
}

// SessionInfo describes the active session window.
type SessionInfo struct {
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ContextState is one committed, versioned snapshot of everything the system
// knows about a session. Owned exclusively by the Context State Manager; all
// other components receive deep copies.
type ContextState struct {
	SessionID     string                  `json:"session_id"`
	Version       uint64                  `json:"version"`
	ProjectState  map[string]SubtreeState `json:"project_state"`
	UserState     map[string]SubtreeState `json:"user_state"`
	LearningGoals []LearningGoal          `json:"learning_goals"`
	ActiveSession SessionInfo             `json:"active_session"`
	LastUpdated   time.Time               `json:"last_updated"`

	// Stale is set on read copies older than the configured TTL. Never persisted.
	Stale bool `json:"-"`
}

// Clone returns a deep copy safe to hand to readers.
func (c ContextState) Clone() ContextState {
	out := c
	out.ProjectState = cloneSubtrees(c.ProjectState)
	out.UserState = cloneSubtrees(c.UserState)
	out.LearningGoals = append([]LearningGoal(nil), c.LearningGoals...)
	return out
}

func cloneSubtrees(m map[string]SubtreeState) map[string]SubtreeState {
	if m == nil {
		return nil
	}
	out := make(map[string]SubtreeState, len(m))
	for k, v := range m {
		fields := make(map[string]string, len(v.Fields))
		for fk, fv := range v.Fields {
			fields[fk] = fv
		}
		v.Fields = fields
		out[k] = v
	}
	return out
}

// AuditEntry records a merge conflict loser. Losing writes are retained here,
// never discarded outright.
type AuditEntry struct {
	SessionID   string            `json:"session_id"`
	Version     uint64            `json:"version"` // version at which the conflict resolved
	Subtree     string            `json:"subtree"`
	WinnerInput string            `json:"winner_input"`
	LoserInput  string            `json:"loser_input"`
	LoserFields map[string]string `json:"loser_fields"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

// =============================================================================
// PROBLEMS
// =============================================================================

// ProblemType identifies which detector produced a problem.
type ProblemType string

const (
	ProblemLogicalError      ProblemType = "logical-error"
	ProblemArchitecturalFlaw ProblemType = "architectural-flaw"
	ProblemSecurity          ProblemType = "security"
	ProblemKnowledgeGap      ProblemType = "knowledge-gap"
	ProblemPerformance       ProblemType = "performance"
)

// Severity orders problems: low < medium < high < critical.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Problem is a derived finding from one analysis cycle. Problems are
// recomputed each cycle and deduplicated by Signature, never persisted
// independently of their generating analysis.
type Problem struct {
	Type               ProblemType `json:"type"`
	Severity           Severity    `json:"severity"`
	Description        string      `json:"description"`
	AffectedComponents []string    `json:"affected_components"`
	SuggestedActions   []string    `json:"suggested_actions"`
	RootCause          string      `json:"root_cause"`
	SourceVersion      uint64      `json:"source_version"`
	FirstSeen          time.Time   `json:"first_seen"`
}

// Signature identifies a problem for deduplication and cool-down tracking:
// two problems with the same type, affected components and root cause are
// the same problem.
func (p Problem) Signature() string {
	comps := append([]string(nil), p.AffectedComponents...)
	sort.Strings(comps)
	return string(p.Type) + "|" + strings.Join(comps, ",") + "|" + p.RootCause
}

// =============================================================================
// INTERVENTIONS
// =============================================================================

// InterventionState tracks the intervention lifecycle:
// Planned -> Queued -> Delivered -> {Accepted | Dismissed | Expired}.
type InterventionState int

const (
	InterventionPlanned InterventionState = iota
	InterventionQueued
	InterventionDelivered
	InterventionAccepted
	InterventionDismissed
	InterventionExpired
)

func (s InterventionState) String() string {
	switch s {
	case InterventionPlanned:
		return "planned"
	case InterventionQueued:
		return "queued"
	case InterventionDelivered:
		return "delivered"
	case InterventionAccepted:
		return "accepted"
	case InterventionDismissed:
		return "dismissed"
	case InterventionExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// InterventionKind selects the kind of payload a generator should produce.
type InterventionKind string

const (
	InterventionLesson      InterventionKind = "lesson"
	InterventionHint        InterventionKind = "hint"
	InterventionCodeExample InterventionKind = "code-example"
	InterventionDiagram     InterventionKind = "diagram"
)

// Intervention is one planned action toward the user. Once Delivered it is
// immutable except for UserResponse.
type Intervention struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id"`
	ProblemSignature string            `json:"problem_signature"`
	ProblemType      ProblemType       `json:"problem_type"`
	Kind             InterventionKind  `json:"kind"`
	Payload          []byte            `json:"payload,omitempty"` // opaque, generator-produced
	TraceID          string            `json:"trace_id,omitempty"`
	SourceVersion    uint64            `json:"source_version"`
	State            InterventionState `json:"state"`
	ScheduledAt      time.Time         `json:"scheduled_at"`
	DeliveredAt      *time.Time        `json:"delivered_at,omitempty"`
	UserResponse     string            `json:"user_response,omitempty"`
	GapConcepts      []string          `json:"gap_concepts,omitempty"` // set when the problem cited a knowledge gap
}

// =============================================================================
// REASONING TRACE - Tagged Step Variants
// =============================================================================

// ReasoningStepKind is the closed set of step payload shapes. Keeping the
// variant set closed keeps traces serializable and replayable without
// reflection.
type ReasoningStepKind string

const (
	StepAnalyze ReasoningStepKind = "analyze"
	StepDetect  ReasoningStepKind = "detect"
	StepPlan    ReasoningStepKind = "plan"
	StepExecute ReasoningStepKind = "execute"
)

// AnalyzeStep records the analysis phase of one cycle.
type AnalyzeStep struct {
	SnapshotVersion uint64   `json:"snapshot_version"`
	GapConcepts     []string `json:"gap_concepts,omitempty"`
	Incomplete      bool     `json:"incomplete,omitempty"` // analysis timed out
}

// DetectStep records one detector's output.
type DetectStep struct {
	Detector     ProblemType `json:"detector"`
	ProblemCount int         `json:"problem_count"`
	Failed       bool        `json:"failed,omitempty"`
}

// PlanStep records the planning phase decisions.
type PlanStep struct {
	Planned     int `json:"planned"`
	Deduped     int `json:"deduped"`
	RateLimited int `json:"rate_limited"`
	CooledDown  int `json:"cooled_down"`
}

// ExecuteStep records one intervention execution.
type ExecuteStep struct {
	InterventionID string `json:"intervention_id"`
	Kind           string `json:"kind"`
	Fallback       bool   `json:"fallback,omitempty"` // template path used
}

// ReasoningStep is a tagged variant: exactly one payload pointer matching
// Kind is non-nil.
type ReasoningStep struct {
	Kind    ReasoningStepKind `json:"kind"`
	Analyze *AnalyzeStep      `json:"analyze,omitempty"`
	Detect  *DetectStep       `json:"detect,omitempty"`
	Plan    *PlanStep         `json:"plan,omitempty"`
	Execute *ExecuteStep      `json:"execute,omitempty"`
}

// ReasoningTrace is the append-only record of one decision cycle. Written
// once, never mutated; referenced by id from interventions for the
// explanation interface. The input context is referenced by snapshot version,
// not copied.
type ReasoningTrace struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	SnapshotVersion uint64          `json:"snapshot_version"`
	Steps           []ReasoningStep `json:"steps"`
	FinalDecision   string          `json:"final_decision"`
	Confidence      float64         `json:"confidence"`
	DurationMs      int64           `json:"duration_ms"`
	CreatedAt       time.Time       `json:"created_at"`
}
