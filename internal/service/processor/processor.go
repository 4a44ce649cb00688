// Package processor validates, normalizes and size-limits spans between the
// ingestion channel and storage.
//
// Process is a pure function of its input and the project's limits. Because
// the channel delivers at least once, the same span may be processed several
// times and must come out identical each time; processing an already
// processed span is also a no-op.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

var (
	// ErrInvalidSpan is returned for spans that are structurally unusable.
	ErrInvalidSpan = errors.New("processor: invalid span")

	// ErrLimitExceeded is wrapped by *LimitError in reject mode.
	ErrLimitExceeded = errors.New("processor: limit exceeded")
)

// Processor applies shape checks, normalization and limits to spans.
type Processor struct {
	policy LimitPolicy
	logger *slog.Logger

	rejected  metric.Int64Counter
	truncated metric.Int64Counter
}

// New creates a Processor that reads limits from policy.
func New(policy LimitPolicy, logger *slog.Logger) *Processor {
	meter := telemetry.Meter()
	rejected, _ := meter.Int64Counter("kansoku.processor.rejected_total",
		metric.WithDescription("Spans refused by the processor"))
	truncated, _ := meter.Int64Counter("kansoku.processor.truncated_total",
		metric.WithDescription("Span fields cut down to fit a limit"))
	return &Processor{policy: policy, logger: logger, rejected: rejected, truncated: truncated}
}

// Process returns the normalized form of raw or an error wrapping
// ErrInvalidSpan or ErrLimitExceeded. raw is not modified.
func (p *Processor) Process(raw model.Span) (model.Span, error) {
	s, cut, err := process(raw, p.policy.LimitsFor(raw.ProjectID))
	ctx := context.Background()
	if err != nil {
		reason := "invalid"
		if errors.Is(err, ErrLimitExceeded) {
			reason = "limit"
		}
		p.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		p.logger.Debug("processor: span rejected", "span_id", raw.ID, "error", err)
		return model.Span{}, err
	}
	for _, limit := range cut {
		p.truncated.Add(ctx, 1, metric.WithAttributes(attribute.String("limit", limit)))
	}
	return s, nil
}

// process does the work of Process and also reports which limits truncated
// something.
func process(raw model.Span, l Limits) (model.Span, []string, error) {
	var cut []string
	over := func(limit string, got, max int) error {
		if l.Mode == ModeReject {
			return &LimitError{Limit: limit, Got: got, Max: max}
		}
		cut = append(cut, limit)
		return nil
	}

	if raw.ID == uuid.Nil || raw.TraceID == uuid.Nil || raw.ProjectID == uuid.Nil {
		return model.Span{}, nil, fmt.Errorf("%w: span_id, trace_id and project_id are required", ErrInvalidSpan)
	}
	out := model.Span{
		ID:        raw.ID,
		TraceID:   raw.TraceID,
		ProjectID: raw.ProjectID,
		SpanType:  raw.SpanType,
		StartTime: normalizeTime(raw.StartTime),
		EndTime:   normalizeTime(raw.EndTime),
	}

	if raw.ParentSpanID != nil && *raw.ParentSpanID != uuid.Nil {
		if *raw.ParentSpanID == raw.ID {
			return model.Span{}, nil, fmt.Errorf("%w: span %s is its own parent", ErrInvalidSpan, raw.ID)
		}
		parent := *raw.ParentSpanID
		out.ParentSpanID = &parent
	}

	if out.SpanType == "" {
		out.SpanType = model.SpanTypeDefault
	}
	if !out.SpanType.Valid() {
		return model.Span{}, nil, fmt.Errorf("%w: unknown span_type %q", ErrInvalidSpan, raw.SpanType)
	}

	if raw.StartTime.IsZero() || raw.EndTime.IsZero() {
		return model.Span{}, nil, fmt.Errorf("%w: start_time and end_time are required", ErrInvalidSpan)
	}
	if out.EndTime.Before(out.StartTime) {
		return model.Span{}, nil, fmt.Errorf("%w: end_time before start_time", ErrInvalidSpan)
	}

	out.Name = strings.TrimSpace(raw.Name)
	if out.Name == "" {
		return model.Span{}, nil, fmt.Errorf("%w: name is required", ErrInvalidSpan)
	}
	if strings.ContainsRune(out.Name, 0) {
		return model.Span{}, nil, fmt.Errorf("%w: name contains a NUL character", ErrInvalidSpan)
	}
	if len(out.Name) > l.MaxNameLen {
		if err := over("name_length", len(out.Name), l.MaxNameLen); err != nil {
			return model.Span{}, nil, err
		}
		out.Name = strings.TrimRightFunc(truncateUTF8(out.Name, l.MaxNameLen), unicode.IsSpace)
		if out.Name == "" {
			return model.Span{}, nil, fmt.Errorf("%w: name does not fit in %d bytes", ErrInvalidSpan, l.MaxNameLen)
		}
	}

	attrs, err := normalizeAttributes(raw.Attributes, l, over)
	if err != nil {
		return model.Span{}, nil, err
	}
	out.Attributes = attrs

	if out.Input, err = normalizePayload(raw.Input, "input", l, over); err != nil {
		return model.Span{}, nil, err
	}
	if out.Output, err = normalizePayload(raw.Output, "output", l, over); err != nil {
		return model.Span{}, nil, err
	}

	events, err := normalizeEvents(raw.Events, l, over)
	if err != nil {
		return model.Span{}, nil, err
	}
	out.Events = events

	return out, cut, nil
}

// overFunc records a limit breach. It returns an error in reject mode and nil
// when the caller should truncate.
type overFunc func(limit string, got, max int) error

func normalizeEvents(in []model.SpanEvent, l Limits, over overFunc) ([]model.SpanEvent, error) {
	if len(in) == 0 {
		return nil, nil
	}
	events := make([]model.SpanEvent, 0, len(in))
	for i, e := range in {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: event %d has no name", ErrInvalidSpan, i)
		}
		if strings.ContainsRune(name, 0) {
			return nil, fmt.Errorf("%w: event %d name contains a NUL character", ErrInvalidSpan, i)
		}
		if e.Timestamp.IsZero() {
			return nil, fmt.Errorf("%w: event %q has no timestamp", ErrInvalidSpan, name)
		}
		attrs, err := normalizeAttributes(e.Attributes, l, over)
		if err != nil {
			return nil, err
		}
		events = append(events, model.SpanEvent{
			Name:       name,
			Timestamp:  normalizeTime(e.Timestamp),
			Attributes: attrs,
		})
	}
	slices.SortStableFunc(events, func(a, b model.SpanEvent) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	if len(events) > l.MaxEvents {
		if err := over("events", len(events), l.MaxEvents); err != nil {
			return nil, err
		}
		events = events[:l.MaxEvents]
	}
	return events, nil
}

// normalizeAttributes trims keys, drops empty ones and applies the count and
// value size limits. When trimming makes two keys collide, the value of the
// lexically first original key wins. Truncation keeps the first keys in
// sorted order.
func normalizeAttributes(in map[string]any, l Limits, over overFunc) (map[string]any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	rawKeys := make([]string, 0, len(in))
	for k := range in {
		rawKeys = append(rawKeys, k)
	}
	slices.Sort(rawKeys)

	values := make(map[string]any, len(in))
	for _, k := range rawKeys {
		tk := strings.TrimSpace(k)
		if tk == "" {
			continue
		}
		if strings.ContainsRune(tk, 0) {
			return nil, fmt.Errorf("%w: attribute key %q contains a NUL character", ErrInvalidSpan, tk)
		}
		if _, dup := values[tk]; !dup {
			values[tk] = in[k]
		}
	}
	if len(values) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if len(keys) > l.MaxAttributes {
		if err := over("attributes", len(keys), l.MaxAttributes); err != nil {
			return nil, err
		}
		keys = keys[:l.MaxAttributes]
	}

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v := values[k]
		size, text, err := valueSize(v)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %q: %w", ErrInvalidSpan, k, err)
		}
		if containsNUL(v, text) {
			return nil, fmt.Errorf("%w: attribute %q contains a NUL character", ErrInvalidSpan, k)
		}
		if size > l.MaxAttributeValueBytes {
			if err := over("attribute_value_bytes", size, l.MaxAttributeValueBytes); err != nil {
				return nil, err
			}
			v = truncateUTF8(text, l.MaxAttributeValueBytes)
		}
		out[k] = v
	}
	return out, nil
}

// valueSize measures a value: strings by their bytes, anything else by its
// JSON encoding. text is what truncation cuts from.
func valueSize(v any) (int, string, error) {
	if s, ok := v.(string); ok {
		return len(s), s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0, "", err
	}
	return len(b), string(b), nil
}

// containsNUL reports whether an attribute value holds U+0000, which
// Postgres refuses in text and jsonb. Non-string values are checked through
// their JSON encoding.
func containsNUL(v any, text string) bool {
	if _, ok := v.(string); ok {
		return strings.ContainsRune(text, 0)
	}
	return hasEscapedNUL([]byte(text))
}

// hasEscapedNUL reports whether valid JSON text contains a \u0000 escape
// inside a string. An escaped backslash followed by "u0000" does not count.
func hasEscapedNUL(b []byte) bool {
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			continue
		}
		if b[i+1] == 'u' && i+6 <= len(b) && string(b[i+2:i+6]) == "0000" {
			return true
		}
		i++
	}
	return false
}

// normalizePayload compacts a JSON payload. An oversized payload is replaced
// in truncate mode by a JSON string holding a prefix of its text, sized so
// the encoded string itself fits the limit.
func normalizePayload(raw json.RawMessage, field string, l Limits, over overFunc) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrInvalidSpan, field)
	}
	compact := buf.Bytes()
	if hasEscapedNUL(compact) {
		return nil, fmt.Errorf("%w: %s contains a NUL character", ErrInvalidSpan, field)
	}
	if len(compact) <= l.MaxPayloadBytes {
		return json.RawMessage(compact), nil
	}
	if err := over(field+"_bytes", len(compact), l.MaxPayloadBytes); err != nil {
		return nil, err
	}
	return encodeStringWithin(string(compact), l.MaxPayloadBytes), nil
}

// encodeStringWithin returns the JSON encoding of the longest prefix of s
// whose encoding is at most max bytes. Escaping can make the encoding longer
// than the prefix, so the prefix shrinks until it fits.
func encodeStringWithin(s string, max int) json.RawMessage {
	n := max - 2
	for {
		b, _ := json.Marshal(truncateUTF8(s, n))
		if len(b) <= max || n <= 0 {
			return b
		}
		n -= len(b) - max
		if n < 0 {
			n = 0
		}
	}
}

// truncateUTF8 returns the longest prefix of s that is at most max bytes and
// does not split a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// normalizeTime converts to UTC at microsecond precision, the precision the
// stores keep.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
