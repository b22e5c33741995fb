package ai

import (
	"context"

	"arcanabot/pkg/domain"
)

// Interpreter produces readings in two stages. FirstStage is the expensive
// vision pass over the raw photo; SecondStage turns a cached first-stage
// result into facet- and persona-specific text. Both may fail transiently.
type Interpreter interface {
	FirstStage(ctx context.Context, image []byte) (domain.Intermediate, error)
	SecondStage(ctx context.Context, inter domain.Intermediate, persona domain.Persona, facet domain.Facet, language string) (domain.Interpretation, error)
}

// Classifier decides whether a submitted photo shows the required content.
type Classifier interface {
	Classify(ctx context.Context, image []byte) (domain.ValidationResult, error)
}

// RejectionWriter generates a personalized rejection message for a photo the
// classifier refused. Costs a model call; rate-limited by the caller.
type RejectionWriter interface {
	RejectionNote(ctx context.Context, verdict domain.ValidationResult, language string) (string, error)
}
