package kansoku

import (
	"context"
)

// Evaluator scores processed spans. Registered via WithEvaluator, it runs
// alongside the built-in evaluators after each span is stored.
// Implementations must be safe for concurrent use and should return promptly
// when ctx is done; every call runs under the configured evaluator timeout.
// An error or panic fails only this evaluator for this span.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, span Span) ([]LabelProposal, error)
}
