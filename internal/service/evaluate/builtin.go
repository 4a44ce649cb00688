package evaluate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
)

// LatencyEvaluator flags spans that ran longer than a threshold. It writes
// value 1 for slow spans and 0 otherwise.
type LatencyEvaluator struct {
	ClassID   uuid.UUID
	Threshold time.Duration
}

func (LatencyEvaluator) Name() string { return "latency" }

func (e LatencyEvaluator) Evaluate(_ context.Context, span model.Span) ([]Proposal, error) {
	d := span.Duration()
	value := 0.0
	if d > e.Threshold {
		value = 1
	}
	reasoning := fmt.Sprintf("duration %s, threshold %s", d, e.Threshold)
	return []Proposal{{
		ClassID:   e.ClassID,
		LabelName: "latency",
		ValueKey:  "slow",
		Value:     value,
		Reasoning: &reasoning,
	}}, nil
}

// ErrorStatusEvaluator flags spans that recorded an error, either through a
// truthy status attribute or an "error" or "exception" event.
type ErrorStatusEvaluator struct {
	ClassID   uuid.UUID
	Attribute string
}

func (ErrorStatusEvaluator) Name() string { return "error_status" }

func (e ErrorStatusEvaluator) Evaluate(_ context.Context, span model.Span) ([]Proposal, error) {
	var reason string
	if v, ok := span.Attributes[e.Attribute]; ok && truthy(v) {
		reason = fmt.Sprintf("attribute %q is %v", e.Attribute, v)
	}
	if reason == "" {
		for _, ev := range span.Events {
			if name := strings.ToLower(ev.Name); name == "error" || name == "exception" {
				reason = fmt.Sprintf("event %q at %s", ev.Name, ev.Timestamp.Format(time.RFC3339Nano))
				break
			}
		}
	}
	value := 0.0
	if reason != "" {
		value = 1
	} else {
		reason = "no error recorded"
	}
	return []Proposal{{
		ClassID:   e.ClassID,
		LabelName: "error_status",
		ValueKey:  "error",
		Value:     value,
		Reasoning: &reason,
	}}, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "", "false", "0", "ok", "none":
			return false
		}
		return true
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	default:
		return true
	}
}
