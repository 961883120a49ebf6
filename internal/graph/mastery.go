package graph

import (
	"time"

	"mentord/internal/logging"
	"mentord/internal/types"
)

// MasteryLevel is the public read view of one concept.
type MasteryLevel struct {
	Mastery    float64
	Confidence float64
	Known      bool // false for never-seen concepts
}

// UpdateMastery applies one evidence item to a concept, creating the node if
// absent. Mastery moves toward the evidence target by a confidence-damped
// step, so early evidence moves mastery more than evidence arriving after
// many observations. Confidence increases monotonically toward 1.
//
// Fails with ValidationError if strength is outside [0,1] or the evidence
// type is unknown; never fails for a valid concept id.
func (e *Engine) UpdateMastery(concept string, ev types.MasteryEvidence) error {
	if ev.Strength < 0 || ev.Strength > 1 {
		return &types.ValidationError{Field: "strength", Reason: "must be in [0,1]"}
	}
	if !ev.Type.Valid() {
		return &types.ValidationError{Field: "type", Reason: "unknown evidence type"}
	}

	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	n := e.getOrCreate(concept)

	n.mu.Lock()
	defer n.mu.Unlock()

	target, moves := evidenceTarget(ev.Type, n.mastery)

	if moves {
		weight := ev.Strength * (1 - cfg.ConfidenceDamping*n.confidence)
		n.mastery += weight * (target - n.mastery)
		n.mastery = clamp01(n.mastery)
	}

	// Confidence saturates toward 1 with each observation.
	n.confidence += cfg.ConfidenceGain * (1 - n.confidence)
	n.confidence = clamp01(n.confidence)

	n.appendEvidence(ev, cfg.EvidenceLogSize)
	n.version++

	logging.GraphDebug("Mastery update %q: type=%s strength=%.2f -> mastery=%.3f confidence=%.3f",
		concept, ev.Type, ev.Strength, n.mastery, n.confidence)
	return nil
}

// evidenceTarget maps an evidence type to the mastery target it pulls toward.
// explanation-request is a confidence-only observation: it counts as seeing
// the user engage with the concept but carries no success/failure signal.
func evidenceTarget(t types.EvidenceType, current float64) (target float64, moves bool) {
	switch t {
	case types.EvidenceCorrectUsage, types.EvidenceSuccessfulApplication:
		return 1, true
	case types.EvidenceErrorPattern:
		return 0, true
	default:
		return current, false
	}
}

// GetMasteryLevel returns the current (mastery, confidence) for a concept.
// Unseen concepts return a zero-confidence default rather than failing.
func (e *Engine) GetMasteryLevel(concept string) MasteryLevel {
	n := e.get(concept)
	if n == nil {
		return MasteryLevel{}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return MasteryLevel{Mastery: n.mastery, Confidence: n.confidence, Known: true}
}

// CorrelateErrors records error-pattern evidence against each named concept
// and additionally lowers confidence on concepts that repeatedly co-occur
// with the same error signature within the recency window, modeling a
// "confused" state: the user is not merely weak on the concept, the system
// is no longer sure what they know about it.
func (e *Engine) CorrelateErrors(errSignature string, concepts []string, strength float64) error {
	if errSignature == "" {
		return &types.ValidationError{Field: "error", Reason: "empty error signature"}
	}

	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	now := time.Now()
	ev := types.MasteryEvidence{
		Type:      types.EvidenceErrorPattern,
		Strength:  strength,
		Context:   errSignature,
		Timestamp: now,
	}

	for _, concept := range concepts {
		if err := e.UpdateMastery(concept, ev); err != nil {
			return err
		}

		n := e.get(concept)
		n.mu.Lock()

		// Slide the recency window and record this occurrence.
		recent := n.errorSeen[errSignature][:0]
		for _, t := range n.errorSeen[errSignature] {
			if now.Sub(t) <= cfg.ConfusionWindow {
				recent = append(recent, t)
			}
		}
		recent = append(recent, now)
		n.errorSeen[errSignature] = recent

		if len(recent) >= cfg.ConfusionThreshold {
			n.confidence *= cfg.ConfusionPenalty
			n.version++
			logging.Graph("Concept %q confused by %q (%d occurrences): confidence=%.3f",
				concept, errSignature, len(recent), n.confidence)
		}
		n.mu.Unlock()
	}
	return nil
}

// appendEvidence appends to the bounded evidence log, dropping the oldest
// entry when full. Caller holds n.mu.
func (n *node) appendEvidence(ev types.MasteryEvidence, bound int) {
	if bound <= 0 {
		bound = 50
	}
	n.evidence = append(n.evidence, ev)
	if len(n.evidence) > bound {
		n.evidence = n.evidence[len(n.evidence)-bound:]
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
