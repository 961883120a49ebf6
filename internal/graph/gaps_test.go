package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mentord/internal/types"
)

// The canonical gap walk: async-iteration hard-requires promises; when both
// are weak, the gap list names promises first so lessons land in learnable
// order.
func TestIdentifyGapsOrdersPrerequisitesFirst(t *testing.T) {
	e := NewEngine(testConfig())

	require.NoError(t, e.AddPrerequisite("async-iteration", "promises", EdgeHard))
	require.NoError(t, e.UpdateMastery("promises", evidence(types.EvidenceErrorPattern, 0.8)))
	require.NoError(t, e.UpdateMastery("async-iteration", evidence(types.EvidenceErrorPattern, 0.8)))

	gaps := e.IdentifyGaps([]string{"async-iteration"})
	require.Len(t, gaps, 2)
	assert.Equal(t, "promises", gaps[0].Concept)
	assert.Equal(t, "async-iteration", gaps[1].Concept)
}

func TestIdentifyGapsSkipsMasteredAncestors(t *testing.T) {
	cfg := testConfig()
	e := NewEngine(cfg)

	require.NoError(t, e.AddPrerequisite("generics", "interfaces", EdgeHard))

	// Push interfaces well above threshold.
	for i := 0; i < 20; i++ {
		require.NoError(t, e.UpdateMastery("interfaces", evidence(types.EvidenceSuccessfulApplication, 1.0)))
	}
	require.Greater(t, e.GetMasteryLevel("interfaces").Mastery, cfg.GapThreshold)

	gaps := e.IdentifyGaps([]string{"generics"})
	require.Len(t, gaps, 1)
	assert.Equal(t, "generics", gaps[0].Concept)
}

func TestIdentifyGapsCountsUnseenAsZero(t *testing.T) {
	e := NewEngine(testConfig())

	gaps := e.IdentifyGaps([]string{"monads"})
	require.Len(t, gaps, 1)
	assert.Equal(t, "monads", gaps[0].Concept)
	assert.Zero(t, gaps[0].Mastery)
	assert.Zero(t, gaps[0].Confidence)
}

func TestIdentifyGapsIgnoresSoftEdges(t *testing.T) {
	e := NewEngine(testConfig())

	require.NoError(t, e.AddPrerequisite("testing", "mocking", EdgeSoft))
	gaps := e.IdentifyGaps([]string{"testing"})
	require.Len(t, gaps, 1)
	assert.Equal(t, "testing", gaps[0].Concept)
}

func TestIdentifyGapsDeepChain(t *testing.T) {
	e := NewEngine(testConfig())

	require.NoError(t, e.AddPrerequisite("c", "b", EdgeHard))
	require.NoError(t, e.AddPrerequisite("b", "a", EdgeHard))

	gaps := e.IdentifyGaps([]string{"c"})
	require.Len(t, gaps, 3)
	assert.Equal(t, []string{"a", "b", "c"},
		[]string{gaps[0].Concept, gaps[1].Concept, gaps[2].Concept})
}

func TestGetPrerequisitesUnknownConcept(t *testing.T) {
	e := NewEngine(testConfig())
	_, err := e.GetPrerequisites("never-seen")
	assert.True(t, types.IsNotFound(err))
}
