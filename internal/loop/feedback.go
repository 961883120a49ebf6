package loop

import (
	"time"

	"mentord/internal/logging"
	"mentord/internal/types"
)

// =============================================================================
// USER FEEDBACK
// =============================================================================

// User responses accepted by RecordUserResponse.
const (
	ResponseAccepted  = "accepted"
	ResponseDismissed = "dismissed"
)

// RecordUserResponse closes the feedback loop for one delivered intervention.
// Acceptance clears any cool-down for the problem signature and, for
// gap-driven interventions, records explanation-request evidence against the
// gap concepts so the graph's confidence reflects the delivered lesson.
// Dismissal starts (or doubles) the signature's cool-down window.
func (l *ThoughtLoop) RecordUserResponse(id, response string) error {
	if response != ResponseAccepted && response != ResponseDismissed {
		return &types.ValidationError{Field: "response", Reason: "must be accepted or dismissed"}
	}

	now := time.Now()

	l.mu.Lock()
	iv, ok := l.delivered[id]
	if !ok {
		l.mu.Unlock()
		return &types.NotFoundError{Kind: "intervention", ID: id}
	}
	if iv.State != types.InterventionDelivered {
		l.mu.Unlock()
		return &types.ValidationError{Field: "state", Reason: "intervention is " + iv.State.String() + ", not delivered"}
	}

	iv.UserResponse = response
	delete(l.pendingSigs, iv.ProblemSignature)

	switch response {
	case ResponseAccepted:
		iv.State = types.InterventionAccepted
		delete(l.cooldowns, iv.ProblemSignature)
		l.stats.Accepted++
	case ResponseDismissed:
		iv.State = types.InterventionDismissed
		l.noteDismissalLocked(iv.ProblemSignature, now)
		l.stats.Dismissed++
	}
	updated := *iv
	l.mu.Unlock()

	logging.Loop("Session %s: intervention %s %s", l.sessionID, shortID(id), response)

	// An accepted lesson is an explanation the user worked through: record
	// it as confidence-bearing evidence for each gap concept.
	if response == ResponseAccepted {
		for _, concept := range updated.GapConcepts {
			ev := types.MasteryEvidence{
				Type:      types.EvidenceExplanationRequest,
				Strength:  0.5,
				Context:   "intervention " + shortID(id) + " accepted",
				Timestamp: now,
			}
			if err := l.knowledge.UpdateMastery(concept, ev); err != nil {
				logging.Get(logging.CategoryLoop).Warn("Session %s: evidence update for %s failed: %v",
					l.sessionID, concept, err)
			}
		}
	}

	if l.repo != nil {
		if err := l.repo.SaveIntervention(updated); err != nil {
			logging.Get(logging.CategoryLoop).Warn("Session %s: response persist failed: %v", l.sessionID, err)
		}
	}
	return nil
}
