package kansoku

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Label sources accepted by PutLabel.
const (
	SourceManual       = "MANUAL"
	SourceEvaluator    = "AUTO"
	SourceProgrammatic = "CODE"
)

// Span mirrors the server's span body for API consumers.
type Span struct {
	ID           uuid.UUID       `json:"span_id"`
	TraceID      uuid.UUID       `json:"trace_id"`
	ProjectID    uuid.UUID       `json:"project_id"`
	ParentSpanID *uuid.UUID      `json:"parent_span_id,omitempty"`
	Name         string          `json:"name"`
	SpanType     string          `json:"span_type,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	Attributes   map[string]any  `json:"attributes,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Events       []SpanEvent     `json:"events,omitempty"`
}

// SpanEvent is a timestamped occurrence recorded inside a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// PublishResponse acknowledges a span the broker accepted.
type PublishResponse struct {
	SpanID  uuid.UUID `json:"span_id"`
	TraceID uuid.UUID `json:"trace_id"`
	Status  string    `json:"status"`
}

// PutLabelRequest writes one label value. LabelSource is one of the Source*
// constants; UserEmail is only accepted for manual labels.
type PutLabelRequest struct {
	SpanID      uuid.UUID `json:"span_id"`
	ClassID     uuid.UUID `json:"class_id"`
	LabelName   string    `json:"label_name"`
	ValueKey    string    `json:"value_key"`
	Value       float64   `json:"value"`
	LabelSource string    `json:"label_source"`
	UserEmail   *string   `json:"user_email,omitempty"`
	Reasoning   *string   `json:"reasoning,omitempty"`
}

// Label is the current value of a label.
type Label struct {
	ID          uuid.UUID `json:"id"`
	SpanID      uuid.UUID `json:"span_id"`
	ClassID     uuid.UUID `json:"class_id"`
	Value       float64   `json:"value"`
	LabelSource string    `json:"label_source"`
	UserEmail   *string   `json:"user_email,omitempty"`
	Reasoning   *string   `json:"reasoning,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PutLabelResponse carries the stored label. AnalyticsPending reports that
// the label is stored but its history event was not recorded; WriteID names
// that event.
type PutLabelResponse struct {
	Label            Label      `json:"label"`
	AnalyticsPending bool       `json:"analytics_pending"`
	WriteID          *uuid.UUID `json:"write_id,omitempty"`
}

// LabelEvent is one recorded write of a label.
type LabelEvent struct {
	WriteID     uuid.UUID `json:"write_id"`
	ProjectID   uuid.UUID `json:"project_id"`
	ClassID     uuid.UUID `json:"class_id"`
	LabelID     uuid.UUID `json:"label_id"`
	LabelName   string    `json:"label_name"`
	LabelSource string    `json:"label_source"`
	ValueKey    string    `json:"value_key"`
	Value       float64   `json:"value"`
	SpanID      uuid.UUID `json:"span_id"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// HealthResponse is the server's dependency report.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Postgres     string `json:"postgres"`
	ClickHouse   string `json:"clickhouse"`
	Broker       string `json:"broker"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"`
	Uptime       int64  `json:"uptime_seconds"`
}
