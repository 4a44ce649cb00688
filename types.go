package kansoku

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Span is the public representation of a processed span.
// It is a curated view of internal/model.Span for use in extension interfaces.
// No internal package imports, so it is safe to use from outside the module.
type Span struct {
	ID           uuid.UUID
	TraceID      uuid.UUID
	ProjectID    uuid.UUID
	ParentSpanID *uuid.UUID
	Name         string
	SpanType     string // DEFAULT | LLM | EXECUTOR | EVALUATOR | EVALUATION | TOOL
	StartTime    time.Time
	EndTime      time.Time
	Attributes   map[string]any
	Input        json.RawMessage
	Output       json.RawMessage
	Events       []SpanEvent
}

// Duration returns the wall-clock duration of the span.
func (s Span) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// SpanEvent is a timestamped occurrence recorded inside a span.
type SpanEvent struct {
	Name       string
	Timestamp  time.Time
	Attributes map[string]any
}

// LabelProposal is one label value an Evaluator wants written on a span.
// The label id is derived from the span, class and value key, so proposing
// the same triple twice updates one label.
type LabelProposal struct {
	ClassID   uuid.UUID
	LabelName string
	ValueKey  string
	Value     float64
	Reasoning *string
}

// SpanLimits bounds the size of spans accepted for one project.
// Zero fields fall back to the configured defaults.
type SpanLimits struct {
	MaxAttributes          int
	MaxAttributeValueBytes int
	MaxEvents              int
	MaxPayloadBytes        int
	MaxNameLen             int
	// Reject refuses oversized spans instead of truncating them.
	Reject bool
}
