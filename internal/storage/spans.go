package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansoku/internal/model"
)

// spanInsertTimeout bounds one batched span insert so a hung Postgres cannot
// stall the ingest buffer's flush loop.
const spanInsertTimeout = 30 * time.Second

const insertSpanSQL = `
	INSERT INTO spans (id, trace_id, project_id, parent_span_id, name, span_type,
	                   start_time, end_time, attributes, input, output, events)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING`

// InsertSpans stores processed spans in one round trip. Spans that already
// exist are skipped, which makes redelivery harmless. It returns the number of
// rows actually inserted.
func (db *DB) InsertSpans(ctx context.Context, spans []model.Span) (int64, error) {
	if len(spans) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, s := range spans {
		attrs := s.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		events := s.Events
		if events == nil {
			events = []model.SpanEvent{}
		}
		batch.Queue(insertSpanSQL,
			s.ID, s.TraceID, s.ProjectID, s.ParentSpanID, s.Name, string(s.SpanType),
			s.StartTime, s.EndTime, attrs, nullableJSON(s.Input), nullableJSON(s.Output), events,
		)
	}

	ctx, cancel := context.WithTimeout(ctx, spanInsertTimeout)
	defer cancel()

	br := db.pool.SendBatch(ctx, batch)
	var inserted int64
	for range spans {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, fmt.Errorf("storage: insert spans: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return inserted, fmt.Errorf("storage: insert spans: %w", err)
	}
	return inserted, nil
}

// GetSpan returns a stored span by id.
func (db *DB) GetSpan(ctx context.Context, id uuid.UUID) (model.Span, error) {
	var (
		s        model.Span
		spanType string
	)
	err := db.pool.QueryRow(ctx, `
		SELECT id, trace_id, project_id, parent_span_id, name, span_type,
		       start_time, end_time, attributes, input, output, events
		FROM spans WHERE id = $1`, id,
	).Scan(&s.ID, &s.TraceID, &s.ProjectID, &s.ParentSpanID, &s.Name, &spanType,
		&s.StartTime, &s.EndTime, &s.Attributes, &s.Input, &s.Output, &s.Events)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Span{}, fmt.Errorf("storage: span %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Span{}, fmt.Errorf("storage: get span: %w", err)
	}
	s.SpanType = model.SpanType(spanType)
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	return s, nil
}

// nullableJSON maps an empty payload to SQL NULL.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
