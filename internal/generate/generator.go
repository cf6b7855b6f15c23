// Package generate defines the content-generation capability each
// stage invokes. The engine treats it as opaque: text in, text out,
// or an error the executor recovers from with a fallback artifact.
package generate

import (
	"context"

	"github.com/draftline-labs/draftline-go/internal/domain"
)

// Input is the generation context for one stage attempt.
type Input struct {
	Stage          domain.Stage
	ProductRequest string
	// Context carries the prior artifacts this stage builds on, keyed
	// by the producing stage's artifact type.
	Context map[domain.ArtifactType]string
	// Feedback is threaded in when the attempt is a regeneration.
	Feedback     string
	Regeneration int
	// Instructions come from the optional pipeline tuning spec.
	Instructions string
}

// Result is one successful generation.
type Result struct {
	Content  string
	Metadata domain.Metadata
	Usage    domain.TokenUsage
}

// Generator produces stage content. Implementations must honor
// context cancellation; the executor bounds every call with a timeout.
type Generator interface {
	Generate(ctx context.Context, input Input) (Result, error)
}
