package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"mentord/internal/logging"
	"mentord/internal/types"
)

// =============================================================================
// SNAPSHOT REPOSITORY (contextstate.SnapshotRepo)
// =============================================================================

// SaveSnapshot persists one committed context snapshot. Keyed by
// session+version, so at-least-once delivery stays idempotent.
func (s *LocalStore) SaveSnapshot(state types.ContextState) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveSnapshot")
	defer timer.Stop()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return s.execRetry("SaveSnapshot", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(
			`INSERT OR REPLACE INTO context_snapshots (session_id, version, state)
			 VALUES (?, ?, ?)`,
			state.SessionID, state.Version, string(data),
		)
		return err
	})
}

// LoadLatestSnapshot returns the most recent persisted version for a session.
// Never a partial write: only fully committed rows exist.
func (s *LocalStore) LoadLatestSnapshot(sessionID string) (types.ContextState, error) {
	timer := logging.StartTimer(logging.CategoryStore, "LoadLatestSnapshot")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(
		`SELECT state FROM context_snapshots WHERE session_id = ?
		 ORDER BY version DESC LIMIT 1`, sessionID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return types.ContextState{}, &types.NotFoundError{Kind: "snapshot", ID: sessionID}
	}
	if err != nil {
		return types.ContextState{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var state types.ContextState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return types.ContextState{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return state, nil
}

// SaveAudit appends one merge-conflict loser to the durable audit log.
func (s *LocalStore) SaveAudit(entry types.AuditEntry) error {
	fields, err := json.Marshal(entry.LoserFields)
	if err != nil {
		return fmt.Errorf("failed to marshal audit fields: %w", err)
	}

	return s.execRetry("SaveAudit", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(
			`INSERT INTO audit_log (session_id, version, subtree, winner_input, loser_input, loser_fields, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.SessionID, entry.Version, entry.Subtree,
			entry.WinnerInput, entry.LoserInput, string(fields), entry.RecordedAt,
		)
		return err
	})
}

// LoadAudit returns the most recent audit entries for a session.
func (s *LocalStore) LoadAudit(sessionID string, limit int) ([]types.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT session_id, version, subtree, winner_input, loser_input, loser_fields, recorded_at
		 FROM audit_log WHERE session_id = ?
		 ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var fields string
		if err := rows.Scan(&e.SessionID, &e.Version, &e.Subtree, &e.WinnerInput, &e.LoserInput, &fields, &e.RecordedAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Audit row scan failed: %v", err)
			continue
		}
		if fields != "" {
			if err := json.Unmarshal([]byte(fields), &e.LoserFields); err != nil {
				logging.Get(logging.CategoryStore).Warn("Audit fields unmarshal failed: %v", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
