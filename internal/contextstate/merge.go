package contextstate

import (
	"time"

	"mentord/internal/logging"
	"mentord/internal/types"
)

// UpdateContext merges one externally-processed input into the current
// snapshot, producing version v+1. Merge is field-level: each input declares
// the subtree it touches. Disjoint subtrees merge independently; overlapping
// subtrees resolve by latest-timestamp-wins with the losing write retained in
// the audit side-log, never discarded outright.
//
// Even a losing write commits a new version: the merge happened and the audit
// trail references it.
func (m *Manager) UpdateContext(input types.ProcessedInput) (uint64, error) {
	timer := logging.StartTimer(logging.CategoryContext, "UpdateContext")
	defer timer.Stop()

	if err := m.validateInput(input); err != nil {
		return 0, err
	}

	var auditEntry *types.AuditEntry

	m.mu.Lock()

	next := m.current.Clone()
	next.Version++
	now := time.Now()
	next.LastUpdated = now
	next.ActiveSession.LastActivity = now

	if input.Subtree != "" {
		root, key := input.SubtreeRoot()
		target := next.ProjectState
		if root == "userState" {
			target = next.UserState
		}

		incoming := types.SubtreeState{
			Fields:      copyFields(input.Fields),
			UpdatedAt:   input.Timestamp,
			Confidence:  input.Confidence,
			SourceInput: input.ID,
		}

		existing, overlap := target[key]
		switch {
		case !overlap:
			target[key] = incoming
		case !existing.UpdatedAt.After(input.Timestamp):
			// Incoming write wins; the overwritten state is the loser.
			auditEntry = &types.AuditEntry{
				SessionID:   m.sessionID,
				Version:     next.Version,
				Subtree:     input.Subtree,
				WinnerInput: input.ID,
				LoserInput:  existing.SourceInput,
				LoserFields: existing.Fields,
				RecordedAt:  now,
			}
			target[key] = incoming
		default:
			// Incoming write is older than the committed state: it loses.
			auditEntry = &types.AuditEntry{
				SessionID:   m.sessionID,
				Version:     next.Version,
				Subtree:     input.Subtree,
				WinnerInput: existing.SourceInput,
				LoserInput:  input.ID,
				LoserFields: incoming.Fields,
				RecordedAt:  now,
			}
		}
	}

	if len(input.Goals) > 0 {
		next.LearningGoals = mergeGoals(next.LearningGoals, input.Goals)
	}

	m.current = next
	m.committed.Store(next.Clone())

	if auditEntry != nil {
		m.audit = append(m.audit, *auditEntry)
		if len(m.audit) > m.cfg.AuditLogSize {
			m.audit = m.audit[len(m.audit)-m.cfg.AuditLogSize:]
		}
	}

	version := next.Version
	snap := next.Clone()
	m.mu.Unlock()

	logging.ContextDebug("Session %s committed v%d (input=%s subtree=%q)",
		m.sessionID, version, input.ID, input.Subtree)

	if auditEntry != nil {
		logging.Context("Merge conflict on %q: winner=%s loser=%s (v%d)",
			auditEntry.Subtree, auditEntry.WinnerInput, auditEntry.LoserInput, version)
		if m.repo != nil {
			if err := m.repo.SaveAudit(*auditEntry); err != nil {
				logging.Get(logging.CategoryContext).Warn("Audit persist failed: %v", err)
			}
		}
	}

	m.notifySubscribers(snap)
	m.forwardEvidence(input)

	return version, nil
}

// validateInput rejects malformed inputs with no state change.
func (m *Manager) validateInput(input types.ProcessedInput) error {
	if input.SessionID != "" && input.SessionID != m.sessionID {
		return &types.ValidationError{Field: "session_id", Reason: "input addressed to a different session"}
	}
	if input.Confidence < 0 || input.Confidence > 1 {
		return &types.ValidationError{Field: "confidence", Reason: "must be in [0,1]"}
	}
	if input.Subtree == "" && len(input.Evidence) == 0 && len(input.Goals) == 0 {
		return &types.ValidationError{Field: "subtree", Reason: "input touches nothing"}
	}
	if input.Subtree != "" {
		root, key := input.SubtreeRoot()
		if root != "projectState" && root != "userState" {
			return &types.ValidationError{Field: "subtree", Reason: "root must be projectState or userState"}
		}
		if key == "" {
			return &types.ValidationError{Field: "subtree", Reason: "missing subtree key"}
		}
	}
	return nil
}

// forwardEvidence feeds error/success signals from the input into the
// knowledge graph. Evidence failures do not fail the merge; the snapshot is
// already committed.
func (m *Manager) forwardEvidence(input types.ProcessedInput) {
	if m.evidence == nil || len(input.Evidence) == 0 {
		return
	}
	for _, ce := range input.Evidence {
		if err := m.evidence.UpdateMastery(ce.Concept, ce.Evidence); err != nil {
			logging.Get(logging.CategoryContext).Warn("Evidence for %q rejected: %v", ce.Concept, err)
		}
	}
}

// mergeGoals appends new goals keeping the ordered set de-duplicated by
// goal id. Existing goals keep their position; a re-seen id updates in place.
func mergeGoals(existing, incoming []types.LearningGoal) []types.LearningGoal {
	index := make(map[string]int, len(existing))
	out := append([]types.LearningGoal(nil), existing...)
	for i, g := range out {
		index[g.ID] = i
	}
	for _, g := range incoming {
		if i, ok := index[g.ID]; ok {
			out[i] = g
			continue
		}
		index[g.ID] = len(out)
		out = append(out, g)
	}
	return out
}

func copyFields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
