package model

import (
	"fmt"
	"math"
	"net/mail"
	"time"

	"github.com/google/uuid"
)

// Field length limits for label writes. They bound what a caller can push
// into Postgres TEXT columns and ClickHouse String columns.
const (
	MaxLabelNameLen = 256
	MaxValueKeyLen  = 256
	MaxReasoningLen = 64 * 1024 // 64 KB
)

// PutLabelRequest is the request body for PUT /v1/projects/{project_id}/labels/{label_id}.
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

// Validate checks required fields and per-field length limits.
func (r PutLabelRequest) Validate() error {
	if r.SpanID == uuid.Nil {
		return fmt.Errorf("span_id is required")
	}
	if r.ClassID == uuid.Nil {
		return fmt.Errorf("class_id is required")
	}
	if r.LabelName == "" {
		return fmt.Errorf("label_name is required")
	}
	if len(r.LabelName) > MaxLabelNameLen {
		return fmt.Errorf("label_name exceeds maximum length of %d characters", MaxLabelNameLen)
	}
	if len(r.ValueKey) > MaxValueKeyLen {
		return fmt.Errorf("value_key exceeds maximum length of %d characters", MaxValueKeyLen)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("value must be a finite number")
	}
	if r.Reasoning != nil && len(*r.Reasoning) > MaxReasoningLen {
		return fmt.Errorf("reasoning exceeds maximum length of %d bytes", MaxReasoningLen)
	}
	kind, err := ParseSourceKind(r.LabelSource)
	if err != nil {
		return err
	}
	if r.UserEmail != nil {
		if kind != SourceKindManual {
			return fmt.Errorf("user_email is only accepted for manual labels")
		}
		if _, err := mail.ParseAddress(*r.UserEmail); err != nil {
			return fmt.Errorf("user_email is not a valid address")
		}
	}
	return nil
}

// Source builds the tagged label source from the request fields.
// Call Validate first.
func (r PutLabelRequest) Source() LabelSource {
	kind, _ := ParseSourceKind(r.LabelSource)
	switch kind {
	case SourceKindManual:
		src := ManualSource{}
		if r.UserEmail != nil {
			src.UserEmail = *r.UserEmail
		}
		return src
	case SourceKindEvaluator:
		return EvaluatorSource{}
	default:
		return ProgrammaticSource{}
	}
}

// PutLabelResponse is returned by the label endpoint. AnalyticsPending is
// true when the authoritative row was written but the history event was not;
// WriteID then names the unrecorded event.
type PutLabelResponse struct {
	Label            LabelView  `json:"label"`
	AnalyticsPending bool       `json:"analytics_pending"`
	WriteID          *uuid.UUID `json:"write_id,omitempty"`
}

// PublishSpanResponse is returned by the span ingestion endpoint.
type PublishSpanResponse struct {
	SpanID  uuid.UUID `json:"span_id"`
	TraceID uuid.UUID `json:"trace_id"`
	Status  string    `json:"status"`
}

// HealthResponse is returned by GET /health.
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

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeLimitExceeded      = "LIMIT_EXCEEDED"
	ErrCodeChannelUnavailable = "CHANNEL_UNAVAILABLE"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
)
