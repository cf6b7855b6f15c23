package generate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/draftline-labs/draftline-go/internal/domain"
)

// TemplateGenerator renders deterministic markdown scaffolds per
// stage. It stands in for a model-backed capability in development and
// tests; the engine does not care which implementation it talks to.
type TemplateGenerator struct{}

func NewTemplateGenerator() *TemplateGenerator {
	return &TemplateGenerator{}
}

var stageHeadings = map[domain.Stage]string{
	domain.StageResearch:   "Research Report",
	domain.StageEpics:      "Epics",
	domain.StageStories:    "User Stories",
	domain.StageSpecs:      "Technical Specifications",
	domain.StageCode:       "Implementation Plan",
	domain.StageValidation: "Validation Report",
}

func (g *TemplateGenerator) Generate(ctx context.Context, input Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	heading, ok := stageHeadings[input.Stage]
	if !ok {
		return Result{}, fmt.Errorf("stage %q does not generate content", input.Stage)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", heading)
	fmt.Fprintf(&b, "## Product Request\n\n%s\n", strings.TrimSpace(input.ProductRequest))

	for _, kind := range sortedContextKeys(input.Context) {
		fmt.Fprintf(&b, "\n## Input: %s\n\n%s\n", kind, strings.TrimSpace(input.Context[kind]))
	}

	if strings.TrimSpace(input.Instructions) != "" {
		fmt.Fprintf(&b, "\n## Instructions\n\n%s\n", strings.TrimSpace(input.Instructions))
	}
	if strings.TrimSpace(input.Feedback) != "" {
		fmt.Fprintf(&b, "\n## Incorporated Feedback\n\n%s\n", strings.TrimSpace(input.Feedback))
	}

	content := b.String()
	metadata := domain.Metadata{
		"stage":     string(input.Stage),
		"generator": "template",
	}
	if input.Regeneration > 0 {
		metadata["regeneration_count"] = input.Regeneration
	}

	promptTokens := estimateTokens(input.ProductRequest) + estimateTokens(input.Feedback)
	for _, text := range input.Context {
		promptTokens += estimateTokens(text)
	}
	completionTokens := estimateTokens(content)

	return Result{
		Content:  content,
		Metadata: metadata,
		Usage: domain.TokenUsage{
			Prompt:     promptTokens,
			Completion: completionTokens,
			Total:      promptTokens + completionTokens,
		},
	}, nil
}

func sortedContextKeys(context map[domain.ArtifactType]string) []domain.ArtifactType {
	keys := make([]domain.ArtifactType, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// estimateTokens approximates usage by whitespace-separated words.
func estimateTokens(text string) int64 {
	return int64(len(strings.Fields(text)))
}
