package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mentord/internal/config"
	"mentord/internal/types"
)

func testConfig() config.GraphConfig {
	return config.DefaultConfig().Graph
}

func evidence(t types.EvidenceType, strength float64) types.MasteryEvidence {
	return types.MasteryEvidence{Type: t, Strength: strength, Timestamp: time.Now()}
}

func TestUpdateMasteryDirections(t *testing.T) {
	e := NewEngine(testConfig())

	// Success evidence raises mastery from zero.
	require.NoError(t, e.UpdateMastery("goroutines", evidence(types.EvidenceCorrectUsage, 0.8)))
	up := e.GetMasteryLevel("goroutines")
	assert.True(t, up.Known)
	assert.Greater(t, up.Mastery, 0.0)
	assert.Greater(t, up.Confidence, 0.0)

	// Error evidence pulls it back down.
	require.NoError(t, e.UpdateMastery("goroutines", evidence(types.EvidenceErrorPattern, 0.8)))
	down := e.GetMasteryLevel("goroutines")
	assert.Less(t, down.Mastery, up.Mastery)

	// Confidence only ever goes up from observations.
	assert.Greater(t, down.Confidence, up.Confidence)
}

func TestExplanationRequestMovesConfidenceOnly(t *testing.T) {
	e := NewEngine(testConfig())
	require.NoError(t, e.UpdateMastery("channels", evidence(types.EvidenceCorrectUsage, 0.5)))

	before := e.GetMasteryLevel("channels")
	require.NoError(t, e.UpdateMastery("channels", evidence(types.EvidenceExplanationRequest, 1.0)))
	after := e.GetMasteryLevel("channels")

	assert.Equal(t, before.Mastery, after.Mastery, "explanation requests must not move mastery")
	assert.Greater(t, after.Confidence, before.Confidence)
}

func TestConfidenceDampsLaterEvidence(t *testing.T) {
	e := NewEngine(testConfig())

	require.NoError(t, e.UpdateMastery("interfaces", evidence(types.EvidenceCorrectUsage, 1.0)))
	first := e.GetMasteryLevel("interfaces").Mastery

	// Drive confidence up with many observations.
	for i := 0; i < 30; i++ {
		require.NoError(t, e.UpdateMastery("interfaces", evidence(types.EvidenceCorrectUsage, 1.0)))
	}
	high := e.GetMasteryLevel("interfaces")

	// Now a contradicting item: with high confidence the step toward 0 must be
	// smaller than the first step toward 1 was.
	require.NoError(t, e.UpdateMastery("interfaces", evidence(types.EvidenceErrorPattern, 1.0)))
	after := e.GetMasteryLevel("interfaces")

	drop := high.Mastery - after.Mastery
	assert.Less(t, drop, first, "a high-confidence concept should move less per item than a fresh one")
	assert.Greater(t, drop, 0.0)
}

func TestUpdateMasteryValidation(t *testing.T) {
	e := NewEngine(testConfig())

	err := e.UpdateMastery("x", evidence(types.EvidenceCorrectUsage, 1.5))
	assert.True(t, types.IsValidation(err))

	err = e.UpdateMastery("x", evidence(types.EvidenceType("vibes"), 0.5))
	assert.True(t, types.IsValidation(err))

	// Rejected evidence creates nothing.
	assert.False(t, e.GetMasteryLevel("x").Known)
}

func TestMasteryStaysInRange(t *testing.T) {
	e := NewEngine(testConfig())
	for i := 0; i < 100; i++ {
		require.NoError(t, e.UpdateMastery("sorting", evidence(types.EvidenceCorrectUsage, 1.0)))
	}
	lvl := e.GetMasteryLevel("sorting")
	assert.LessOrEqual(t, lvl.Mastery, 1.0)
	assert.LessOrEqual(t, lvl.Confidence, 1.0)

	for i := 0; i < 100; i++ {
		require.NoError(t, e.UpdateMastery("sorting", evidence(types.EvidenceErrorPattern, 1.0)))
	}
	lvl = e.GetMasteryLevel("sorting")
	assert.GreaterOrEqual(t, lvl.Mastery, 0.0)
}

// A stream of off-by-one errors against loop-bounds should sink the concept
// below the gap threshold even after earlier successes.
func TestRepeatedErrorsOpenGap(t *testing.T) {
	cfg := testConfig()
	e := NewEngine(cfg)

	require.NoError(t, e.UpdateMastery("loop-bounds", evidence(types.EvidenceCorrectUsage, 0.9)))
	require.NoError(t, e.UpdateMastery("loop-bounds", evidence(types.EvidenceCorrectUsage, 0.9)))

	for i := 0; i < 5; i++ {
		require.NoError(t, e.UpdateMastery("loop-bounds", evidence(types.EvidenceErrorPattern, 0.9)))
	}

	lvl := e.GetMasteryLevel("loop-bounds")
	assert.Less(t, lvl.Mastery, cfg.GapThreshold)

	gaps := e.IdentifyGaps([]string{"loop-bounds"})
	require.Len(t, gaps, 1)
	assert.Equal(t, "loop-bounds", gaps[0].Concept)
}

func TestCorrelateErrorsConfusionPenalty(t *testing.T) {
	cfg := testConfig()
	cfg.ConfusionThreshold = 3
	e := NewEngine(cfg)

	// Build some confidence first.
	for i := 0; i < 10; i++ {
		require.NoError(t, e.UpdateMastery("slices", evidence(types.EvidenceCorrectUsage, 0.7)))
	}
	before := e.GetMasteryLevel("slices").Confidence

	// Two occurrences of the same signature: below threshold, no penalty
	// beyond the normal error updates.
	require.NoError(t, e.CorrelateErrors("index out of range", []string{"slices"}, 0.5))
	require.NoError(t, e.CorrelateErrors("index out of range", []string{"slices"}, 0.5))
	mid := e.GetMasteryLevel("slices").Confidence
	assert.GreaterOrEqual(t, mid, before*cfg.ConfusionPenalty)

	// Third co-occurrence within the window trips the penalty.
	require.NoError(t, e.CorrelateErrors("index out of range", []string{"slices"}, 0.5))
	after := e.GetMasteryLevel("slices").Confidence
	assert.Less(t, after, mid)
}

func TestCorrelateErrorsValidation(t *testing.T) {
	e := NewEngine(testConfig())
	err := e.CorrelateErrors("", []string{"slices"}, 0.5)
	assert.True(t, types.IsValidation(err))
}
