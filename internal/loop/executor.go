package loop

import (
	"context"
	"errors"
	"strings"
	"time"

	"mentord/internal/generator"
	"mentord/internal/logging"
	"mentord/internal/types"
)

// =============================================================================
// EXECUTION PHASE
// =============================================================================

// executeQueued delivers the queued interventions in order. A stop request
// observed mid-batch puts the remainder back on the queue; a fatal storage
// failure aborts the batch and degrades the loop.
func (l *ThoughtLoop) executeQueued(ctx context.Context) []types.ReasoningStep {
	l.mu.Lock()
	batch := l.queued
	l.queued = nil
	l.mu.Unlock()

	var steps []types.ReasoningStep
	for i := range batch {
		if l.stopped.Load() {
			l.mu.Lock()
			l.queued = append(l.queued, batch[i:]...)
			l.mu.Unlock()
			break
		}

		step, err := l.executeIntervention(ctx, &batch[i])
		if step != nil {
			steps = append(steps, *step)
		}
		if err != nil {
			var serr *types.StorageError
			if errors.As(err, &serr) {
				l.degrade(serr)
				break
			}
			logging.Get(logging.CategoryLoop).Warn("Session %s: intervention %s failed: %v",
				l.sessionID, shortID(batch[i].ID), err)
		}
	}
	return steps
}

// executeIntervention generates the payload (with template fallback), marks
// the intervention Delivered and persists it.
func (l *ThoughtLoop) executeIntervention(ctx context.Context, iv *types.Intervention) (*types.ReasoningStep, error) {
	concept := ""
	if len(iv.GapConcepts) > 0 {
		concept = iv.GapConcepts[0]
	} else if c := componentOf(iv.ProblemSignature); c != "" {
		concept = c
	}

	res, usedFallback, err := l.gen.Generate(ctx, generator.Request{
		Kind:        iv.Kind,
		Concept:     concept,
		Problem:     rootCauseOf(iv.ProblemSignature),
		DetailLevel: "standard",
		Duration:    5 * time.Minute,
	})
	if err != nil {
		// Both paths failed. Expire rather than retry forever.
		l.mu.Lock()
		iv.State = types.InterventionExpired
		delete(l.pendingSigs, iv.ProblemSignature)
		l.mu.Unlock()
		return nil, err
	}

	now := time.Now()
	iv.Payload = res.Payload
	iv.State = types.InterventionDelivered
	iv.DeliveredAt = &now

	l.mu.Lock()
	stored := *iv
	l.delivered[iv.ID] = &stored
	l.stats.Delivered++
	if usedFallback {
		l.stats.FallbackPayloads++
	}
	l.mu.Unlock()

	logging.Loop("Session %s: delivered %s intervention %s (fallback=%v)",
		l.sessionID, iv.Kind, shortID(iv.ID), usedFallback)

	step := &types.ReasoningStep{
		Kind:    types.StepExecute,
		Execute: &types.ExecuteStep{InterventionID: iv.ID, Kind: string(iv.Kind), Fallback: usedFallback},
	}

	if l.repo != nil {
		if err := l.repo.SaveIntervention(stored); err != nil {
			return step, err
		}
	}
	return step, nil
}

// componentOf extracts the first affected component from a problem signature
// (type|components|root-cause).
func componentOf(sig string) string {
	parts := strings.SplitN(sig, "|", 3)
	if len(parts) < 2 {
		return ""
	}
	if i := strings.IndexByte(parts[1], ','); i >= 0 {
		return parts[1][:i]
	}
	return parts[1]
}

// rootCauseOf extracts the root-cause segment of a problem signature.
func rootCauseOf(sig string) string {
	parts := strings.SplitN(sig, "|", 3)
	if len(parts) < 3 {
		return sig
	}
	return parts[2]
}
