package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SpanType classifies the unit of work a span records.
type SpanType string

const (
	SpanTypeDefault    SpanType = "DEFAULT"
	SpanTypeLLM        SpanType = "LLM"
	SpanTypeExecutor   SpanType = "EXECUTOR"
	SpanTypeEvaluator  SpanType = "EVALUATOR"
	SpanTypeEvaluation SpanType = "EVALUATION"
	SpanTypeTool       SpanType = "TOOL"
)

// Valid reports whether t is one of the known span types.
func (t SpanType) Valid() bool {
	switch t {
	case SpanTypeDefault, SpanTypeLLM, SpanTypeExecutor, SpanTypeEvaluator, SpanTypeEvaluation, SpanTypeTool:
		return true
	}
	return false
}

// SpanEvent is a timestamped occurrence recorded inside a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span is one unit of traced work. A span has at most one parent within its
// trace. It is mutated only by the processor and is immutable afterwards.
type Span struct {
	ID           uuid.UUID       `json:"span_id"`
	TraceID      uuid.UUID       `json:"trace_id"`
	ProjectID    uuid.UUID       `json:"project_id"`
	ParentSpanID *uuid.UUID      `json:"parent_span_id,omitempty"`
	Name         string          `json:"name"`
	SpanType     SpanType        `json:"span_type"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	Attributes   map[string]any  `json:"attributes,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Events       []SpanEvent     `json:"events,omitempty"`
}

// Duration returns the wall-clock duration of the span.
func (s Span) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// IsRoot reports whether the span has no parent.
func (s Span) IsRoot() bool {
	return s.ParentSpanID == nil
}
