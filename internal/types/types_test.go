package types

import (
	"errors"
	"testing"
	"time"
)

func TestProblemSignatureIgnoresComponentOrder(t *testing.T) {
	a := Problem{
		Type:               ProblemArchitecturalFlaw,
		AffectedComponents: []string{"auth", "session", "store"},
		RootCause:          "dependency cycle",
	}
	b := Problem{
		Type:               ProblemArchitecturalFlaw,
		AffectedComponents: []string{"store", "auth", "session"},
		RootCause:          "dependency cycle",
	}
	if a.Signature() != b.Signature() {
		t.Errorf("signatures differ for the same problem: %q vs %q", a.Signature(), b.Signature())
	}

	c := b
	c.RootCause = "different cause"
	if a.Signature() == c.Signature() {
		t.Error("different root causes must produce different signatures")
	}
}

func TestSubtreeRoot(t *testing.T) {
	cases := []struct {
		subtree  string
		wantRoot string
		wantKey  string
	}{
		{"projectState.dependencies", "projectState", "dependencies"},
		{"userState.focus", "userState", "focus"},
		{"projectState.build.flags", "projectState", "build.flags"},
		{"projectState", "projectState", ""},
	}
	for _, tc := range cases {
		root, key := ProcessedInput{Subtree: tc.subtree}.SubtreeRoot()
		if root != tc.wantRoot || key != tc.wantKey {
			t.Errorf("SubtreeRoot(%q) = (%q, %q), want (%q, %q)",
				tc.subtree, root, key, tc.wantRoot, tc.wantKey)
		}
	}
}

func TestContextStateCloneIsDeep(t *testing.T) {
	orig := ContextState{
		SessionID: "s1",
		Version:   3,
		ProjectState: map[string]SubtreeState{
			"deps": {Fields: map[string]string{"uuid": "v1.6"}},
		},
		UserState:     map[string]SubtreeState{},
		LearningGoals: []LearningGoal{{ID: "g1", Concept: "generics"}},
	}

	clone := orig.Clone()
	clone.ProjectState["deps"].Fields["uuid"] = "tampered"
	clone.LearningGoals[0].Concept = "tampered"

	if orig.ProjectState["deps"].Fields["uuid"] != "v1.6" {
		t.Error("clone shares subtree field maps with the original")
	}
	if orig.LearningGoals[0].Concept != "generics" {
		t.Error("clone shares the goal slice with the original")
	}
}

func TestEvidenceTypeValid(t *testing.T) {
	for _, et := range []EvidenceType{
		EvidenceCorrectUsage, EvidenceErrorPattern,
		EvidenceExplanationRequest, EvidenceSuccessfulApplication,
	} {
		if !et.Valid() {
			t.Errorf("%s should be valid", et)
		}
	}
	if EvidenceType("vibes").Valid() {
		t.Error("unknown evidence type accepted")
	}
}

func TestErrorHelpers(t *testing.T) {
	storage := &StorageError{Op: "SaveTrace", Retries: 3, Err: errors.New("disk full")}
	if !IsFatalStorage(storage) {
		t.Error("StorageError not recognized")
	}
	if !errors.Is(storage, storage.Err) {
		t.Error("StorageError must unwrap its cause")
	}

	if !IsNotFound(&NotFoundError{Kind: "concept", ID: "x"}) {
		t.Error("NotFoundError not recognized")
	}
	if !IsValidation(&ValidationError{Field: "strength"}) {
		t.Error("ValidationError not recognized")
	}
	if !IsCycleRejected(&CycleError{Concept: "a", Prerequisite: "b"}) {
		t.Error("CycleError not recognized")
	}
	if !IsTimeout(&TimeoutError{Op: "generate", Elapsed: time.Second}) {
		t.Error("TimeoutError not recognized")
	}

	if IsNotFound(errors.New("plain")) || IsValidation(nil) {
		t.Error("helpers must reject unrelated errors")
	}
}
