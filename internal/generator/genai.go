package generator

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"mentord/internal/types"
)

// =============================================================================
// GOOGLE GENAI CONTENT GENERATOR
// =============================================================================

// GenAIGenerator produces intervention payloads using Google's Gemini API.
type GenAIGenerator struct {
	client *genai.Client
	model  string
}

// NewGenAIGenerator creates a new GenAI content generator.
func NewGenAIGenerator(apiKey, model string) (*GenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIGenerator{
		client: client,
		model:  model,
	}, nil
}

// Generate renders the request into a prompt and returns the model output as
// the opaque payload. Confidence is a coarse proxy until the API exposes one.
func (g *GenAIGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	prompt := buildPrompt(req)

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return Result{}, fmt.Errorf("GenAI generation failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return Result{}, fmt.Errorf("GenAI returned empty content")
	}

	return Result{Payload: []byte(text), Confidence: 0.8}, nil
}

// Name identifies the generator in logs and traces.
func (g *GenAIGenerator) Name() string {
	return fmt.Sprintf("genai:%s", g.model)
}

func buildPrompt(req Request) string {
	detail := req.DetailLevel
	if detail == "" {
		detail = "standard"
	}

	switch req.Kind {
	case types.InterventionLesson:
		return fmt.Sprintf(
			"Write a %s-detail micro-lesson (about %s of reading) on the concept %q. The learner just hit this issue: %s",
			detail, req.Duration, req.Concept, req.Problem)
	case types.InterventionHint:
		return fmt.Sprintf(
			"Write a single short hint (no solution) for a learner struggling with %q. Observed issue: %s",
			req.Concept, req.Problem)
	case types.InterventionCodeExample:
		return fmt.Sprintf(
			"Write a minimal, commented code example demonstrating %q correctly. It should address: %s. Detail level: %s.",
			req.Concept, req.Problem, detail)
	case types.InterventionDiagram:
		return fmt.Sprintf(
			"Produce a textual diagram specification (nodes and edges) explaining %q, focused on: %s",
			req.Concept, req.Problem)
	default:
		return fmt.Sprintf("Explain %q briefly. Context: %s", req.Concept, req.Problem)
	}
}
