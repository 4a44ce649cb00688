// Package evaluate runs automated evaluators over processed spans and writes
// the labels they propose.
package evaluate

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Evaluator scores a span. Implementations must be safe for concurrent use
// and should honor ctx cancellation; the dispatcher gives each call a deadline.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, span model.Span) ([]Proposal, error)
}

// Proposal is one label value an evaluator wants written on the span.
type Proposal struct {
	ClassID   uuid.UUID
	LabelName string
	ValueKey  string
	Value     float64
	Reasoning *string
}

func (p Proposal) validate() error {
	if p.ClassID == uuid.Nil {
		return fmt.Errorf("class_id is required")
	}
	if p.LabelName == "" {
		return fmt.Errorf("label_name is required")
	}
	if len(p.LabelName) > model.MaxLabelNameLen || len(p.ValueKey) > model.MaxValueKeyLen {
		return fmt.Errorf("label_name or value_key too long")
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return fmt.Errorf("value must be finite")
	}
	return nil
}

// labelNamespace scopes evaluator label ids.
var labelNamespace = uuid.MustParse("5b1f6c1e-7a0c-4d2e-9a57-6b0f3f4f2a10")

// LabelID derives the id of the label an evaluator writes for a span, class
// and value key. Re-evaluating a redelivered span therefore updates the
// existing label instead of creating a second one.
func LabelID(spanID, classID uuid.UUID, valueKey string) uuid.UUID {
	return uuid.NewSHA1(labelNamespace, []byte(spanID.String()+"|"+classID.String()+"|"+valueKey))
}
