// Package generator defines the content generation boundary. Generators are
// stochastic, model-backed external services: the core calls them, never
// re-implements them. Every call carries a timeout and falls back to a
// deterministic template path on timeout or failure.
package generator

import (
	"context"
	"fmt"
	"time"

	"mentord/internal/logging"
	"mentord/internal/types"
)

// Request asks an external generator for one intervention payload.
type Request struct {
	Kind        types.InterventionKind
	Concept     string // concept reference, when the problem cited one
	Problem     string // problem description
	DetailLevel string // brief, standard, deep
	Duration    time.Duration // target consumption time for the user
}

// Result is an opaque payload plus the generator's own confidence.
type Result struct {
	Payload    []byte
	Confidence float64
}

// Generator produces intervention payloads. Failures return a typed error;
// the caller decides on fallback.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
	Name() string
}

// WithFallback wraps a primary generator with a bounded call and a
// deterministic template path. The fallback flag in the return reports which
// path produced the payload.
type WithFallback struct {
	Primary  Generator
	Fallback Generator
	Timeout  time.Duration
}

// Generate calls the primary generator under the configured timeout. On
// timeout or failure it switches to the fallback; the cycle never blocks on
// a slow external service.
func (w *WithFallback) Generate(ctx context.Context, req Request) (res Result, usedFallback bool, err error) {
	timer := logging.StartTimer(logging.CategoryGenerator, "Generate")
	defer timer.StopWithThreshold(w.Timeout)

	if w.Primary != nil {
		callCtx, cancel := context.WithTimeout(ctx, w.Timeout)
		defer cancel()

		start := time.Now()
		res, err = w.Primary.Generate(callCtx, req)
		if err == nil {
			return res, false, nil
		}

		if callCtx.Err() == context.DeadlineExceeded {
			err = &types.TimeoutError{Op: "generator:" + w.Primary.Name(), Elapsed: time.Since(start)}
		}
		logging.Generator("Primary generator %s failed (%v); using template fallback", w.Primary.Name(), err)
	}

	res, ferr := w.Fallback.Generate(ctx, req)
	if ferr != nil {
		return Result{}, true, fmt.Errorf("fallback generation failed: %w", ferr)
	}
	return res, true, nil
}

// TemplateGenerator is the deterministic fallback: no external calls, low
// confidence, always succeeds.
type TemplateGenerator struct{}

// Generate renders a fixed-form payload for the request.
func (t *TemplateGenerator) Generate(_ context.Context, req Request) (Result, error) {
	var body string
	switch req.Kind {
	case types.InterventionLesson:
		body = fmt.Sprintf("Short lesson on %s.\n\nObserved issue: %s\n\nReview the fundamentals of %s and retry the last exercise.",
			req.Concept, req.Problem, req.Concept)
	case types.InterventionHint:
		body = fmt.Sprintf("Hint: this looks related to %s. %s", req.Concept, req.Problem)
	case types.InterventionCodeExample:
		body = fmt.Sprintf("// Example exercising %s\n// Issue addressed: %s\n", req.Concept, req.Problem)
	case types.InterventionDiagram:
		body = fmt.Sprintf("diagram-spec: concept=%s problem=%q", req.Concept, req.Problem)
	default:
		body = fmt.Sprintf("Note on %s: %s", req.Concept, req.Problem)
	}
	return Result{Payload: []byte(body), Confidence: 0.3}, nil
}

// Name identifies the generator in logs and traces.
func (t *TemplateGenerator) Name() string { return "template" }
