package store

import (
	"encoding/json"
	"fmt"

	"mentord/internal/graph"
	"mentord/internal/logging"
)

// =============================================================================
// CONCEPT NODE REPOSITORY
// =============================================================================

// SaveConcepts persists exported concept records. Writes are idempotent and
// version-guarded: a stale retry never overwrites a newer record.
func (s *LocalStore) SaveConcepts(records []graph.ConceptRecord) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveConcepts")
	defer timer.Stop()

	return s.execRetry("SaveConcepts", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(
			`INSERT INTO concept_nodes (id, version, record) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   version = excluded.version,
			   record = excluded.record,
			   updated_at = CURRENT_TIMESTAMP
			 WHERE excluded.version >= concept_nodes.version`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal concept %s: %w", rec.ID, err)
			}
			if _, err := stmt.Exec(rec.ID, rec.Version, string(data)); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}

// LoadConcepts returns every persisted concept record.
func (s *LocalStore) LoadConcepts() ([]graph.ConceptRecord, error) {
	timer := logging.StartTimer(logging.CategoryStore, "LoadConcepts")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT record FROM concept_nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []graph.ConceptRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			logging.Get(logging.CategoryStore).Warn("Concept row scan failed: %v", err)
			continue
		}
		var rec graph.ConceptRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			logging.Get(logging.CategoryStore).Warn("Concept record unmarshal failed: %v", err)
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
