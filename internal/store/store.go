// Package store provides SQLite-backed repositories for context snapshots,
// the audit side-log, concept nodes, reasoning traces and interventions.
//
// The core treats persistence as an eventually-consistent external dependency:
// every write is idempotent (keyed by entity id + version) and retried up to
// the configured budget. Exhausted retries surface a StorageError, which the
// thought loop translates into degraded mode; reads keep working from memory.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"mentord/internal/config"
	"mentord/internal/logging"
	"mentord/internal/types"
)

// LocalStore owns the SQLite database and implements the repository
// interfaces consumed by contextstate and loop.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	cfg    config.StoreConfig
}

// NewLocalStore initializes the SQLite database at the configured path.
func NewLocalStore(cfg config.StoreConfig) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", cfg.DatabasePath)

	dir := filepath.Dir(cfg.DatabasePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &LocalStore{db: db, dbPath: cfg.DatabasePath, cfg: cfg}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("LocalStore initialization complete (snapshots, audit, concepts, traces, interventions)")
	return s, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS context_snapshots (
		session_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		state TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_session ON context_snapshots(session_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		subtree TEXT NOT NULL,
		winner_input TEXT,
		loser_input TEXT,
		loser_fields TEXT,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id);

	CREATE TABLE IF NOT EXISTS concept_nodes (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		record TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS reasoning_traces (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		snapshot_version INTEGER,
		steps TEXT NOT NULL,
		final_decision TEXT,
		confidence REAL,
		duration_ms INTEGER,
		created_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_traces_session ON reasoning_traces(session_id);
	CREATE INDEX IF NOT EXISTS idx_traces_created ON reasoning_traces(created_at);

	CREATE TABLE IF NOT EXISTS interventions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		problem_signature TEXT,
		state TEXT NOT NULL,
		record TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_interventions_session ON interventions(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execRetry runs a write with the configured retry budget. Exhaustion wraps
// the last error in a StorageError so the caller can degrade.
func (s *LocalStore) execRetry(op string, fn func() error) error {
	budget := s.cfg.RetryBudget
	if budget < 1 {
		budget = 1
	}

	var err error
	for attempt := 0; attempt < budget; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		logging.StoreDebug("%s attempt %d/%d failed: %v", op, attempt+1, budget, err)
		time.Sleep(s.cfg.RetryDelay)
	}

	logging.Get(logging.CategoryStore).Error("%s exhausted retry budget: %v", op, err)
	return &types.StorageError{Op: op, Retries: budget, Err: err}
}

// Close closes the database.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// MaintenanceStats reports what a cleanup pass removed.
type MaintenanceStats struct {
	TracesDeleted int64
	AuditDeleted  int64
}

// Maintenance deletes traces and audit rows older than the configured
// retention windows and reclaims space.
func (s *LocalStore) Maintenance() (MaintenanceStats, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Maintenance")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	var stats MaintenanceStats

	res, err := s.db.Exec(`DELETE FROM reasoning_traces WHERE created_at < ?`,
		time.Now().Add(-s.cfg.TraceRetention))
	if err != nil {
		return stats, fmt.Errorf("trace cleanup failed: %w", err)
	}
	stats.TracesDeleted, _ = res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM audit_log WHERE recorded_at < ?`,
		time.Now().Add(-s.cfg.AuditRetention))
	if err != nil {
		return stats, fmt.Errorf("audit cleanup failed: %w", err)
	}
	stats.AuditDeleted, _ = res.RowsAffected()

	logging.Store("Maintenance: deleted %d traces, %d audit rows", stats.TracesDeleted, stats.AuditDeleted)
	return stats, nil
}
