// Package session assembles and owns the per-session component triple:
// one context state manager, one knowledge graph engine and one thought loop
// per session id, created on first use and torn down explicitly.
package session

import (
	"context"
	"sync"

	"mentord/internal/config"
	"mentord/internal/contextstate"
	"mentord/internal/generator"
	"mentord/internal/graph"
	"mentord/internal/logging"
	"mentord/internal/loop"
	"mentord/internal/store"
	"mentord/internal/types"
)

// Session is one isolated learning session: the three subsystems share
// nothing with other sessions except the store.
type Session struct {
	ID      string
	Context *contextstate.Manager
	Graph   *graph.Engine
	Loop    *loop.ThoughtLoop
}

// Registry creates and tracks sessions. Sessions are independent: a slow or
// degraded session never affects another.
type Registry struct {
	cfg   *config.Config
	store *store.LocalStore
	gen   *generator.WithFallback

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds a registry over shared infrastructure. store may be nil
// for purely in-memory operation.
func NewRegistry(cfg *config.Config, st *store.LocalStore) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    st,
		gen:      buildGenerator(cfg.Generator),
		sessions: make(map[string]*Session),
	}
}

// buildGenerator wires the configured provider behind the template fallback.
// An unusable provider config degrades to template-only, never to failure.
func buildGenerator(cfg config.GeneratorConfig) *generator.WithFallback {
	w := &generator.WithFallback{
		Fallback: &generator.TemplateGenerator{},
		Timeout:  cfg.Timeout,
	}
	if cfg.Provider == "genai" {
		primary, err := generator.NewGenAIGenerator(cfg.APIKey, cfg.Model)
		if err != nil {
			logging.Get(logging.CategoryGenerator).Warn("GenAI unavailable (%v); template generation only", err)
		} else {
			w.Primary = primary
		}
	}
	return w
}

// Get returns the session for id, creating it on first use. New sessions
// restore their persisted snapshot and graph when the store has one.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s
	}

	engine := graph.NewEngine(r.cfg.Graph)

	var repo contextstate.SnapshotRepo
	var loopRepo loop.Repo
	if r.store != nil {
		repo = r.store
		loopRepo = r.store
	}

	mgr := contextstate.NewManager(id, r.cfg.Context, engine, repo, nil)
	tl := loop.New(id, r.cfg.Loop, engine, mgr, r.gen, loopRepo)

	if r.store != nil {
		if err := mgr.RestoreContext(id); err != nil && !types.IsNotFound(err) {
			logging.Session("Session %s: snapshot restore failed: %v", id, err)
		}
		if records, err := r.store.LoadConcepts(); err != nil {
			logging.Session("Session %s: concept load failed: %v", id, err)
		} else if len(records) > 0 {
			engine.Import(records)
		}
	}

	s := &Session{ID: id, Context: mgr, Graph: engine, Loop: tl}
	r.sessions[id] = s
	logging.Session("Session %s created", id)
	return s
}

// Start creates (if needed) and starts monitoring for a session.
func (r *Registry) Start(ctx context.Context, id string) *Session {
	s := r.Get(id)
	s.Loop.StartMonitoring(ctx)
	return s
}

// Stop stops a session's loop and persists its state. The session stays
// registered and can be restarted.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return &types.NotFoundError{Kind: "session", ID: id}
	}

	s.Loop.StopMonitoring()

	if r.store != nil {
		if err := s.Context.PersistContext(); err != nil {
			return err
		}
		if err := r.store.SaveConcepts(s.Graph.Export()); err != nil {
			return err
		}
	}
	return nil
}

// Teardown stops and removes a session.
func (r *Registry) Teardown(id string) error {
	err := r.Stop(id)

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.Context.Close()
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	logging.Session("Session %s torn down", id)
	return err
}

// Close tears down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Teardown(id); err != nil && !types.IsNotFound(err) {
			logging.Session("Session %s teardown error: %v", id, err)
		}
	}
}

// IDs returns the registered session ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
