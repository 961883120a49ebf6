package loop

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"mentord/internal/config"
	"mentord/internal/logging"
	"mentord/internal/types"
)

// =============================================================================
// PLANNING PHASE
// =============================================================================

// plan turns detected problems into queued interventions. Problems are
// addressed most-severe first, oldest root cause breaking ties; candidates
// already in flight for the same signature are deduplicated, signatures in a
// dismissal cool-down are skipped, and the delivery window caps how many new
// interventions may queue: at most RateLimit across any rolling RateWindow.
func (l *ThoughtLoop) plan(problems []types.Problem, version uint64) types.PlanStep {
	sorted := append([]types.Problem(nil), problems...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Severity != sorted[j].Severity {
			return sorted[i].Severity > sorted[j].Severity
		}
		return sorted[i].FirstSeen.Before(sorted[j].FirstSeen)
	})

	now := time.Now()
	var step types.PlanStep
	cfg := l.config()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Unanswered deliveries past the rate window expire first so their
	// signatures become plannable again.
	l.expireStaleLocked(now, cfg.RateWindow)

	for _, p := range sorted {
		sig := p.Signature()

		if _, inFlight := l.pendingSigs[sig]; inFlight {
			step.Deduped++
			l.stats.Deduped++
			continue
		}
		if cd, ok := l.cooldowns[sig]; ok && now.Before(cd.until) {
			step.CooledDown++
			l.stats.CooledDown++
			logging.LoopDebug("Session %s: %s cooling down until %s", l.sessionID, sig, cd.until.Format(time.RFC3339))
			continue
		}
		if !l.allowDeliveryLocked(now, cfg) {
			step.RateLimited++
			l.stats.RateLimited++
			continue
		}

		iv := types.Intervention{
			ID:               uuid.New().String(),
			SessionID:        l.sessionID,
			ProblemSignature: sig,
			ProblemType:      p.Type,
			Kind:             kindFor(p),
			SourceVersion:    version,
			State:            types.InterventionQueued,
			ScheduledAt:      now,
		}
		if p.Type == types.ProblemKnowledgeGap {
			iv.GapConcepts = append([]string(nil), p.AffectedComponents...)
		}

		l.queued = append(l.queued, iv)
		l.pendingSigs[sig] = iv.ID
		step.Planned++
		l.stats.Planned++
	}

	return step
}

// allowDeliveryLocked reserves one delivery slot. The sliding log of the
// last RateLimit reservation times is the hard cap: a new reservation is
// denied while the RateLimit-th most recent one is still inside the window.
// The token limiter on top only smooths bursts after quiet stretches and can
// never widen the cap. Caller holds l.mu.
func (l *ThoughtLoop) allowDeliveryLocked(now time.Time, cfg config.LoopConfig) bool {
	k := cfg.RateLimit
	if len(l.recent) >= k && now.Sub(l.recent[len(l.recent)-k]) < cfg.RateWindow {
		return false
	}
	if !l.limiter.Allow() {
		return false
	}
	l.recent = append(l.recent, now)
	if len(l.recent) > k {
		l.recent = l.recent[len(l.recent)-k:]
	}
	return true
}

// kindFor maps a problem to the intervention payload kind a generator should
// produce for it.
func kindFor(p types.Problem) types.InterventionKind {
	switch p.Type {
	case types.ProblemKnowledgeGap:
		return types.InterventionLesson
	case types.ProblemArchitecturalFlaw:
		return types.InterventionDiagram
	case types.ProblemPerformance:
		return types.InterventionCodeExample
	default:
		return types.InterventionHint
	}
}

// noteDismissalLocked doubles the cool-down window for a signature, starting
// at the configured base and capped. Caller holds l.mu.
func (l *ThoughtLoop) noteDismissalLocked(sig string, now time.Time) {
	cfg := l.config()
	cd := l.cooldowns[sig]
	if cd == nil {
		cd = &cooldown{}
		l.cooldowns[sig] = cd
	}
	cd.dismissals++

	wait := cfg.BackoffBase
	for i := 1; i < cd.dismissals; i++ {
		wait *= 2
		if wait >= cfg.BackoffCap {
			wait = cfg.BackoffCap
			break
		}
	}
	cd.until = now.Add(wait)
	logging.LoopDebug("Session %s: %s dismissed %d time(s), backing off %v",
		l.sessionID, sig, cd.dismissals, wait)
}

// expireStale moves delivered interventions past the expiry window to
// Expired, freeing their signatures for re-planning. Called from the cycle
// driver; caller holds l.mu.
func (l *ThoughtLoop) expireStaleLocked(now time.Time, window time.Duration) {
	for id, iv := range l.delivered {
		if iv.State != types.InterventionDelivered || iv.DeliveredAt == nil {
			continue
		}
		if now.Sub(*iv.DeliveredAt) < window {
			continue
		}
		iv.State = types.InterventionExpired
		delete(l.pendingSigs, iv.ProblemSignature)
		logging.LoopDebug("Session %s: intervention %s expired without response", l.sessionID, shortID(id))
	}
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
