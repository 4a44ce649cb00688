// Package labels owns every label write. A write goes first to the relational
// store, which holds the authoritative current value, and then to the
// analytics store, which keeps one immutable event per write for history.
package labels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

var (
	// ErrRelationalWriteFailed means the authoritative row was not written.
	// Nothing was sent to the analytics store.
	ErrRelationalWriteFailed = errors.New("labels: relational write failed")

	// ErrAnalyticsWriteFailed means the row was written but its history event
	// was not. It is always carried by a *PartialWriteError.
	ErrAnalyticsWriteFailed = errors.New("labels: analytics write failed")

	// ErrInvalidInput is returned before any store is touched.
	ErrInvalidInput = errors.New("labels: invalid input")
)

// PartialWriteError is returned when the relational write committed and the
// analytics append did not. Label is the committed row; Event is the unsent
// event, which RetryAnalytics can append later without duplicating it.
type PartialWriteError struct {
	Label model.Label
	Event model.LabelEvent
	Err   error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("labels: label %s committed but event %s not recorded: %v", e.Label.ID, e.Event.WriteID, e.Err)
}

// Unwrap exposes both ErrAnalyticsWriteFailed and the store error.
func (e *PartialWriteError) Unwrap() []error {
	return []error{ErrAnalyticsWriteFailed, e.Err}
}

// RelationalStore is the authoritative label store.
type RelationalStore interface {
	UpsertLabel(ctx context.Context, p storage.UpsertLabelParams) (model.Label, error)
	GetLabel(ctx context.Context, id uuid.UUID) (model.Label, error)
	ListLabelsBySpan(ctx context.Context, spanID uuid.UUID) ([]model.Label, error)
}

// AnalyticsStore is the append-only label history.
type AnalyticsStore interface {
	Append(ctx context.Context, events ...model.LabelEvent) error
	History(ctx context.Context, projectID, labelID uuid.UUID) ([]model.LabelEvent, error)
}

// Input is one label write.
type Input struct {
	ProjectID uuid.UUID
	LabelID   uuid.UUID
	SpanID    uuid.UUID
	ClassID   uuid.UUID
	LabelName string
	ValueKey  string
	Value     float64
	Source    model.LabelSource
	Reasoning *string
}

func (in Input) validate() error {
	switch {
	case in.ProjectID == uuid.Nil:
		return fmt.Errorf("%w: project_id is required", ErrInvalidInput)
	case in.LabelID == uuid.Nil:
		return fmt.Errorf("%w: label_id is required", ErrInvalidInput)
	case in.SpanID == uuid.Nil:
		return fmt.Errorf("%w: span_id is required", ErrInvalidInput)
	case in.ClassID == uuid.Nil:
		return fmt.Errorf("%w: class_id is required", ErrInvalidInput)
	case in.Source == nil:
		return fmt.Errorf("%w: label source is required", ErrInvalidInput)
	}
	return nil
}

// Config holds the per-store write deadlines and the relational retry budget.
type Config struct {
	RelationalTimeout time.Duration
	AnalyticsTimeout  time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
}

// Service writes and reads labels.
type Service struct {
	rel    RelationalStore
	events AnalyticsStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	gaps     metric.Int64Counter
	writes   metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a label service.
func New(rel RelationalStore, events AnalyticsStore, cfg Config, logger *slog.Logger) *Service {
	if cfg.RelationalTimeout <= 0 {
		cfg.RelationalTimeout = 5 * time.Second
	}
	if cfg.AnalyticsTimeout <= 0 {
		cfg.AnalyticsTimeout = 5 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 10 * time.Millisecond
	}
	meter := telemetry.Meter()
	gaps, _ := meter.Int64Counter("kansoku.labels.analytics_gap_total",
		metric.WithDescription("Label writes committed relationally whose history event was not recorded"))
	writes, _ := meter.Int64Counter("kansoku.labels.writes_total",
		metric.WithDescription("Label write calls by outcome"))
	duration, _ := meter.Float64Histogram("kansoku.labels.write_duration",
		metric.WithDescription("Label write latency across both stores"),
		metric.WithUnit("s"))

	return &Service{
		rel:      rel,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		gaps:     gaps,
		writes:   writes,
		duration: duration,
	}
}

// InsertOrUpdateLabel writes the label's current value and records the write
// in the label history, in that order.
//
// If the relational write fails the error wraps ErrRelationalWriteFailed and
// the history is untouched. If only the history append fails, the committed
// row is returned together with a *PartialWriteError.
//
// Concurrent writes to the same label id are not serialized here: the last
// one to commit in the relational store wins. Each write's event carries a
// RecordedAt no earlier than its row's UpdatedAt, so sorting the history by
// RecordedAt follows commit order.
func (s *Service) InsertOrUpdateLabel(ctx context.Context, in Input) (model.Label, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "labels.insert_or_update",
		trace.WithAttributes(
			attribute.String("kansoku.label_id", in.LabelID.String()),
			attribute.String("kansoku.span_id", in.SpanID.String()),
		),
	)
	defer span.End()

	start := time.Now()
	row, err := s.insertOrUpdate(ctx, in)
	outcome := "ok"
	var partial *PartialWriteError
	switch {
	case errors.As(err, &partial):
		outcome = "partial"
		span.SetStatus(codes.Error, "analytics write failed")
	case err != nil:
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "label write failed")
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	s.writes.Add(ctx, 1, attrs)
	s.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	return row, err
}

func (s *Service) insertOrUpdate(ctx context.Context, in Input) (model.Label, error) {
	if err := in.validate(); err != nil {
		return model.Label{}, err
	}

	row, err := s.upsert(ctx, in)
	if err != nil {
		s.logger.Warn("labels: relational write failed", "label_id", in.LabelID, "span_id", in.SpanID, "error", err)
		return model.Label{}, fmt.Errorf("%w: %w", ErrRelationalWriteFailed, err)
	}

	event := model.LabelEvent{
		WriteID:     uuid.New(),
		ProjectID:   in.ProjectID,
		ClassID:     row.ClassID,
		LabelID:     row.ID,
		LabelName:   in.LabelName,
		LabelSource: row.Source.Kind(),
		ValueKey:    in.ValueKey,
		Value:       row.Value,
		SpanID:      row.SpanID,
		RecordedAt:  s.recordedAt(row),
	}
	if err := s.append(ctx, event); err != nil {
		s.gaps.Add(ctx, 1)
		s.logger.Error("labels: analytics append failed, history gap",
			"label_id", row.ID, "write_id", event.WriteID, "project_id", in.ProjectID, "error", err)
		return row, &PartialWriteError{Label: row, Event: event, Err: err}
	}
	return row, nil
}

func (s *Service) upsert(ctx context.Context, in Input) (model.Label, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RelationalTimeout)
	defer cancel()

	var row model.Label
	err := storage.WithRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBaseDelay, func() error {
		var err error
		row, err = s.rel.UpsertLabel(ctx, storage.UpsertLabelParams{
			ID:        in.LabelID,
			SpanID:    in.SpanID,
			ClassID:   in.ClassID,
			Value:     in.Value,
			Source:    in.Source,
			Reasoning: in.Reasoning,
		})
		return err
	})
	return row, err
}

func (s *Service) append(ctx context.Context, event model.LabelEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AnalyticsTimeout)
	defer cancel()
	return s.events.Append(ctx, event)
}

// recordedAt is the event time for a committed row: the current time, but
// never earlier than the row's own update time.
func (s *Service) recordedAt(row model.Label) time.Time {
	now := s.now().UTC()
	if row.UpdatedAt.After(now) {
		return row.UpdatedAt.UTC()
	}
	return now
}

// RetryAnalytics appends an event that a previous write could not record.
// The event keeps its WriteID and RecordedAt, so if the earlier append did
// reach the store after all, the analytics store collapses the two.
func (s *Service) RetryAnalytics(ctx context.Context, event model.LabelEvent) error {
	if event.WriteID == uuid.Nil {
		return fmt.Errorf("%w: write_id is required", ErrInvalidInput)
	}
	if err := s.append(ctx, event); err != nil {
		return fmt.Errorf("%w: %w", ErrAnalyticsWriteFailed, err)
	}
	s.logger.Info("labels: analytics gap repaired", "label_id", event.LabelID, "write_id", event.WriteID)
	return nil
}

// GetLabel returns the current value of one label.
func (s *Service) GetLabel(ctx context.Context, id uuid.UUID) (model.Label, error) {
	return s.rel.GetLabel(ctx, id)
}

// ListLabels returns the current labels on a span.
func (s *Service) ListLabels(ctx context.Context, spanID uuid.UUID) ([]model.Label, error) {
	return s.rel.ListLabelsBySpan(ctx, spanID)
}

// LabelHistory returns every recorded write to a label, oldest first.
func (s *Service) LabelHistory(ctx context.Context, projectID, labelID uuid.UUID) ([]model.LabelEvent, error) {
	return s.events.History(ctx, projectID, labelID)
}
