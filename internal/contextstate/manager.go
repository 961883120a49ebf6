// Package contextstate implements the context state manager: consistent
// fusion of partial, concurrent updates into one authoritative, versioned
// snapshot per session.
//
// The snapshot is owned exclusively by the Manager. Writers (one per input
// adapter) serialize through the manager's lock; readers receive deep copies
// and never block on an in-flight merge longer than a bounded wait.
package contextstate

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"mentord/internal/config"
	"mentord/internal/logging"
	"mentord/internal/types"
)

// EvidenceSink receives mastery evidence extracted from processed inputs.
// Satisfied by the knowledge graph engine.
type EvidenceSink interface {
	UpdateMastery(concept string, ev types.MasteryEvidence) error
}

// SnapshotRepo is the persistence boundary for snapshots and the audit
// side-log. The core treats it as an eventually-consistent external
// dependency subject to retry.
type SnapshotRepo interface {
	SaveSnapshot(state types.ContextState) error
	SaveAudit(entry types.AuditEntry) error
	LoadLatestSnapshot(sessionID string) (types.ContextState, error)
}

// RefreshRequester asks input adapters for fresh observations. Called when a
// stale snapshot is read; must not block.
type RefreshRequester func(sessionID string)

// subscriber delivers committed snapshots to one callback, in order, with an
// unbounded pending queue so every version is delivered at least once.
type subscriber struct {
	mu      sync.Mutex
	pending []types.ContextState
	signal  chan struct{}
	done    chan struct{}
}

// Manager owns the fused snapshot and its versioned history for one session.
type Manager struct {
	sessionID string
	cfg       config.ContextConfig

	mu      sync.RWMutex
	current types.ContextState

	// committed mirrors the latest committed snapshot for the bounded-wait
	// read path. Always a fully committed version.
	committed atomic.Value // types.ContextState

	// audit is the bounded in-memory side-log of merge-conflict losers.
	audit []types.AuditEntry

	subMu sync.Mutex
	subs  map[int]*subscriber
	nextSub int

	evidence EvidenceSink
	repo     SnapshotRepo
	refresh  RefreshRequester
	refreshG singleflight.Group
}

// NewManager creates a manager for one session with an empty version-0
// snapshot. evidence, repo and refresh are optional boundaries.
func NewManager(sessionID string, cfg config.ContextConfig, evidence EvidenceSink, repo SnapshotRepo, refresh RefreshRequester) *Manager {
	now := time.Now()
	m := &Manager{
		sessionID: sessionID,
		cfg:       cfg,
		current: types.ContextState{
			SessionID:    sessionID,
			Version:      0,
			ProjectState: make(map[string]types.SubtreeState),
			UserState:    make(map[string]types.SubtreeState),
			ActiveSession: types.SessionInfo{
				StartedAt:    now,
				LastActivity: now,
			},
			LastUpdated: now,
		},
		subs:     make(map[int]*subscriber),
		evidence: evidence,
		repo:     repo,
		refresh:  refresh,
	}
	m.committed.Store(m.current.Clone())
	return m
}

// SessionID returns the session this manager owns.
func (m *Manager) SessionID() string { return m.sessionID }

// GetCurrentContext returns a deep copy of the latest snapshot. It waits at
// most the configured merge-wait for an in-flight merge, after which it
// returns the latest committed version. Snapshots older than the staleness
// TTL are flagged stale, which triggers a refresh request to input adapters
// without blocking the reader.
func (m *Manager) GetCurrentContext() types.ContextState {
	read := make(chan types.ContextState, 1)
	go func() {
		m.mu.RLock()
		snap := m.current.Clone()
		m.mu.RUnlock()
		read <- snap
	}()

	var snap types.ContextState
	select {
	case snap = <-read:
	case <-time.After(m.cfg.MergeWait):
		// Merge still in flight: serve the latest committed version.
		snap = m.committed.Load().(types.ContextState).Clone()
		snap.Stale = true
		logging.ContextDebug("Read timed out waiting for merge; serving committed v%d", snap.Version)
	}

	if time.Since(snap.LastUpdated) > m.cfg.StalenessTTL {
		snap.Stale = true
		m.requestRefresh()
	}
	return snap
}

// requestRefresh asks adapters for fresh observations, deduplicating
// concurrent requests for the same session.
func (m *Manager) requestRefresh() {
	if m.refresh == nil {
		return
	}
	go m.refreshG.Do(m.sessionID, func() (interface{}, error) {
		m.refresh(m.sessionID)
		return nil, nil
	})
}

// SubscribeToChanges registers a callback invoked at least once per committed
// version, in strictly increasing version order for this subscriber. The
// returned cancel func stops delivery.
func (m *Manager) SubscribeToChanges(callback func(types.ContextState)) (cancel func()) {
	sub := &subscriber{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.subMu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case <-sub.signal:
			}
			for {
				sub.mu.Lock()
				if len(sub.pending) == 0 {
					sub.mu.Unlock()
					break
				}
				next := sub.pending[0]
				sub.pending = sub.pending[1:]
				sub.mu.Unlock()
				callback(next)
			}
		}
	}()

	return func() {
		m.subMu.Lock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub.done)
		}
		m.subMu.Unlock()
	}
}

// notifySubscribers queues the committed snapshot for every subscriber.
// Caller must not hold m.mu.
func (m *Manager) notifySubscribers(snap types.ContextState) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, sub := range m.subs {
		sub.mu.Lock()
		sub.pending = append(sub.pending, snap.Clone())
		sub.mu.Unlock()
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

// PersistContext writes the current snapshot through the repository.
// The round-trip with RestoreContext is lossless for every field.
func (m *Manager) PersistContext() error {
	if m.repo == nil {
		return &types.StorageError{Op: "PersistContext", Retries: 0, Err: errNoRepo}
	}
	m.mu.RLock()
	snap := m.current.Clone()
	m.mu.RUnlock()
	return m.repo.SaveSnapshot(snap)
}

// RestoreContext replaces the current snapshot with the most recent persisted
// version for the session. Restore never yields a partial write: the repo
// returns only fully committed rows.
func (m *Manager) RestoreContext(sessionID string) error {
	if m.repo == nil {
		return &types.StorageError{Op: "RestoreContext", Retries: 0, Err: errNoRepo}
	}
	snap, err := m.repo.LoadLatestSnapshot(sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.current = snap
	m.committed.Store(snap.Clone())
	m.mu.Unlock()

	logging.Context("Restored session %s at v%d", sessionID, snap.Version)
	m.notifySubscribers(snap)
	return nil
}

// AuditLog returns a copy of the in-memory audit side-log.
func (m *Manager) AuditLog() []types.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.AuditEntry(nil), m.audit...)
}

// Close cancels all subscribers.
func (m *Manager) Close() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for id, sub := range m.subs {
		close(sub.done)
		delete(m.subs, id)
	}
}

var errNoRepo = errors.New("no snapshot repository configured")
