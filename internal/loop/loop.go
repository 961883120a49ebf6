// Package loop implements the autonomous thought loop: a single
// continuously-scheduled control task per session that reads committed
// context snapshots, detects problems, plans interventions under rate and
// cool-down constraints, and executes them through external generators.
//
// The loop is an explicit state machine over
// Idle -> Analyzing -> Detecting -> Planning -> Executing -> Idle,
// driven by a tick timer plus a change-notification channel, never by direct
// caller blocking. Paused is reachable from any state via StopMonitoring.
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"mentord/internal/config"
	"mentord/internal/generator"
	"mentord/internal/graph"
	"mentord/internal/logging"
	"mentord/internal/types"
)

// Phase represents where the loop is in its cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAnalyzing
	PhaseDetecting
	PhasePlanning
	PhaseExecuting
	PhasePaused
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAnalyzing:
		return "analyzing"
	case PhaseDetecting:
		return "detecting"
	case PhasePlanning:
		return "planning"
	case PhaseExecuting:
		return "executing"
	case PhasePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// KnowledgeSource is the knowledge-graph query surface the loop consumes.
// Satisfied by *graph.Engine.
type KnowledgeSource interface {
	IdentifyGaps(required []string) []graph.Gap
	GetMasteryLevel(concept string) graph.MasteryLevel
	UpdateMastery(concept string, ev types.MasteryEvidence) error
}

// ContextSource is the snapshot surface the loop consumes.
// Satisfied by *contextstate.Manager.
type ContextSource interface {
	GetCurrentContext() types.ContextState
	SubscribeToChanges(func(types.ContextState)) (cancel func())
}

// Repo persists traces and interventions. Satisfied by *store.LocalStore.
type Repo interface {
	SaveTrace(types.ReasoningTrace) error
	SaveIntervention(types.Intervention) error
}

// Stats are the loop's observable counters.
type Stats struct {
	CyclesRun        int64
	CyclesSkipped    int64
	ProblemsFound    int64
	Planned          int64
	Delivered        int64
	Deduped          int64
	RateLimited      int64
	CooledDown       int64
	FallbackPayloads int64
	Dismissed        int64
	Accepted         int64
}

// cooldown tracks the backoff window for one dismissed problem signature.
type cooldown struct {
	until      time.Time
	dismissals int
}

// ThoughtLoop is the per-session control task.
type ThoughtLoop struct {
	sessionID string

	knowledge KnowledgeSource
	contexts  ContextSource
	gen       *generator.WithFallback
	repo      Repo

	cfgMu sync.RWMutex
	cfg   config.LoopConfig

	mu          sync.Mutex
	phase       Phase
	lastVersion uint64
	cycled      bool // at least one cycle has run
	queued      []types.Intervention
	delivered   map[string]*types.Intervention
	cooldowns   map[string]*cooldown
	pendingSigs map[string]string // problem signature -> intervention id in flight
	stats       Stats

	limiter *rate.Limiter
	// recent holds the reservation times of the last RateLimit deliveries,
	// newest last. It is the hard rolling-window cap; the token limiter only
	// smooths bursts. Guarded by mu.
	recent []time.Time

	notify  chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stopped atomic.Bool // set the instant StopMonitoring is called

	degraded    atomic.Bool
	unsubscribe func()
}

// New creates a thought loop for one session. The loop does not run until
// StartMonitoring is called.
func New(sessionID string, cfg config.LoopConfig, knowledge KnowledgeSource, contexts ContextSource, gen *generator.WithFallback, repo Repo) *ThoughtLoop {
	return &ThoughtLoop{
		sessionID:   sessionID,
		knowledge:   knowledge,
		contexts:    contexts,
		gen:         gen,
		repo:        repo,
		cfg:         cfg,
		phase:       PhaseIdle,
		delivered:   make(map[string]*types.Intervention),
		cooldowns:   make(map[string]*cooldown),
		pendingSigs: make(map[string]string),
		limiter:     rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), cfg.RateLimit),
		notify:      make(chan struct{}, 1),
	}
}

// Tune replaces the loop's tunables. Used by config hot-reload. The rate
// limiter is rebuilt so new limits apply to the next planning phase; the
// delivery log carries over, so a reload never re-grants the budget already
// spent in the current window.
func (l *ThoughtLoop) Tune(cfg config.LoopConfig) {
	l.cfgMu.Lock()
	l.cfg = cfg
	l.cfgMu.Unlock()

	l.mu.Lock()
	l.limiter = rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), cfg.RateLimit)
	l.mu.Unlock()
}

func (l *ThoughtLoop) config() config.LoopConfig {
	l.cfgMu.RLock()
	defer l.cfgMu.RUnlock()
	return l.cfg
}

// StartMonitoring starts (or resumes) the control task. Idempotent while
// running.
func (l *ThoughtLoop) StartMonitoring(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.phase = PhaseIdle
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()
	l.stopped.Store(false)
	l.degraded.Store(false)

	// Immediate wake on context change; coalesced through a 1-slot channel.
	unsubscribe := l.contexts.SubscribeToChanges(func(types.ContextState) {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	})
	l.mu.Lock()
	l.unsubscribe = unsubscribe
	l.mu.Unlock()

	go l.run(ctx)
	logging.Loop("Session %s: monitoring started", l.sessionID)
}

// StopMonitoring pauses the loop. The stop is observed before the next tick
// begins: an in-flight Analyzing/Detecting/Planning step completes, but
// Executing is skipped once stopped, so no new interventions are delivered.
// Queued interventions are discarded (marked Expired) when configured; the
// default configuration discards.
func (l *ThoughtLoop) StopMonitoring() {
	l.stopped.Store(true)

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	stopCh, doneCh := l.stopCh, l.doneCh
	l.mu.Unlock()

	close(stopCh)
	<-doneCh

	l.mu.Lock()
	unsub := l.unsubscribe
	l.unsubscribe = nil
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	cfg := l.config()
	l.mu.Lock()
	l.phase = PhasePaused
	if cfg.DiscardOnStop {
		for i := range l.queued {
			l.queued[i].State = types.InterventionExpired
			delete(l.pendingSigs, l.queued[i].ProblemSignature)
		}
		if n := len(l.queued); n > 0 {
			logging.Loop("Session %s: discarded %d queued interventions on stop", l.sessionID, n)
		}
		l.queued = nil
	}
	l.mu.Unlock()

	logging.Loop("Session %s: monitoring stopped", l.sessionID)
}

// run is the control task: fixed tick cadence plus immediate wake on
// context-change notification.
func (l *ThoughtLoop) run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.config().TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
		case <-l.notify:
		}

		if l.stopped.Load() {
			return
		}
		l.runCycle(ctx)
	}
}

// Phase returns the loop's current phase.
func (l *ThoughtLoop) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Degraded reports whether persistence has failed beyond the retry budget.
// In degraded mode in-memory reads keep working.
func (l *ThoughtLoop) Degraded() bool {
	return l.degraded.Load()
}

// Stats returns a copy of the loop's counters.
func (l *ThoughtLoop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Delivered returns the delivered intervention with the given id.
func (l *ThoughtLoop) Delivered(id string) (types.Intervention, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	iv, ok := l.delivered[id]
	if !ok {
		return types.Intervention{}, &types.NotFoundError{Kind: "intervention", ID: id}
	}
	return *iv, nil
}

// degrade records a fatal storage failure: the loop pauses itself and
// surfaces the degraded-mode signal. The control task is shut down and the
// change subscription released; reads continue from memory, and a later
// StartMonitoring resumes.
func (l *ThoughtLoop) degrade(err error) {
	if l.degraded.Swap(true) {
		return
	}
	logging.Get(logging.CategoryLoop).Error("Session %s: storage exhausted retries, entering degraded mode: %v", l.sessionID, err)

	// Signal the stop without waiting for ourselves: this runs inside run(),
	// which observes the closed stopCh on its next iteration and exits.
	l.stopped.Store(true)
	l.mu.Lock()
	wasRunning := l.running
	l.running = false
	l.phase = PhasePaused
	unsub := l.unsubscribe
	l.unsubscribe = nil
	if wasRunning {
		close(l.stopCh)
	}
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
