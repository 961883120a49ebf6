package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"mentord/internal/logging"
	"mentord/internal/types"
)

// =============================================================================
// REASONING TRACE + INTERVENTION REPOSITORY (loop.Repo)
// =============================================================================

// SaveTrace persists one reasoning trace. Traces are written once and never
// mutated; a retry simply rewrites the identical row.
func (s *LocalStore) SaveTrace(trace types.ReasoningTrace) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveTrace")
	defer timer.Stop()

	steps, err := json.Marshal(trace.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal trace steps: %w", err)
	}

	return s.execRetry("SaveTrace", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(
			`INSERT OR REPLACE INTO reasoning_traces
			 (id, session_id, snapshot_version, steps, final_decision, confidence, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			trace.ID, trace.SessionID, trace.SnapshotVersion, string(steps),
			trace.FinalDecision, trace.Confidence, trace.DurationMs, trace.CreatedAt,
		)
		return err
	})
}

// LoadTrace returns one trace by id for the explanation interface.
func (s *LocalStore) LoadTrace(id string) (types.ReasoningTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trace types.ReasoningTrace
	var steps string
	err := s.db.QueryRow(
		`SELECT id, session_id, snapshot_version, steps, final_decision, confidence, duration_ms, created_at
		 FROM reasoning_traces WHERE id = ?`, id,
	).Scan(&trace.ID, &trace.SessionID, &trace.SnapshotVersion, &steps,
		&trace.FinalDecision, &trace.Confidence, &trace.DurationMs, &trace.CreatedAt)
	if err == sql.ErrNoRows {
		return trace, &types.NotFoundError{Kind: "trace", ID: id}
	}
	if err != nil {
		return trace, fmt.Errorf("failed to load trace: %w", err)
	}

	if err := json.Unmarshal([]byte(steps), &trace.Steps); err != nil {
		return trace, fmt.Errorf("failed to unmarshal trace steps: %w", err)
	}
	return trace, nil
}

// ListTraces returns recent traces for a session, newest first.
func (s *LocalStore) ListTraces(sessionID string, limit int) ([]types.ReasoningTrace, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, snapshot_version, steps, final_decision, confidence, duration_ms, created_at
		 FROM reasoning_traces WHERE session_id = ?
		 ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []types.ReasoningTrace
	for rows.Next() {
		var trace types.ReasoningTrace
		var steps string
		if err := rows.Scan(&trace.ID, &trace.SessionID, &trace.SnapshotVersion, &steps,
			&trace.FinalDecision, &trace.Confidence, &trace.DurationMs, &trace.CreatedAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Trace row scan failed: %v", err)
			continue
		}
		if err := json.Unmarshal([]byte(steps), &trace.Steps); err != nil {
			logging.Get(logging.CategoryStore).Warn("Trace steps unmarshal failed for %s: %v", trace.ID, err)
			continue
		}
		traces = append(traces, trace)
	}
	return traces, rows.Err()
}

// SaveIntervention persists one intervention by id. The full record rides as
// JSON; state is broken out for querying.
func (s *LocalStore) SaveIntervention(iv types.Intervention) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveIntervention")
	defer timer.Stop()

	data, err := json.Marshal(iv)
	if err != nil {
		return fmt.Errorf("failed to marshal intervention: %w", err)
	}

	return s.execRetry("SaveIntervention", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(
			`INSERT OR REPLACE INTO interventions (id, session_id, problem_signature, state, record)
			 VALUES (?, ?, ?, ?, ?)`,
			iv.ID, iv.SessionID, iv.ProblemSignature, iv.State.String(), string(data),
		)
		return err
	})
}

// LoadIntervention returns one intervention by id.
func (s *LocalStore) LoadIntervention(id string) (types.Intervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(`SELECT record FROM interventions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return types.Intervention{}, &types.NotFoundError{Kind: "intervention", ID: id}
	}
	if err != nil {
		return types.Intervention{}, fmt.Errorf("failed to load intervention: %w", err)
	}

	var iv types.Intervention
	if err := json.Unmarshal([]byte(data), &iv); err != nil {
		return types.Intervention{}, fmt.Errorf("failed to unmarshal intervention: %w", err)
	}
	return iv, nil
}
