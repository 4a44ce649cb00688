// Package analytics is the ClickHouse side of kansoku: an append-only history
// of every label write, used for aggregation and audit. It is never the
// source of truth for a label's current value.
package analytics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/ashita-ai/kansoku/internal/model"
)

// Store appends and reads label events.
type Store struct {
	conn   driver.Conn
	logger *slog.Logger
}

// New opens a native-protocol connection described by dsn, checks it, and
// creates the label_events table if it is missing.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: parse DSN: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("analytics: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: ping: %w", err)
	}
	if err := conn.Exec(ctx, labelEventsDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("analytics: create label_events: %w", err)
	}

	logger.Info("analytics: connected", "addr", opts.Addr, "database", opts.Auth.Database)
	return &Store{conn: conn, logger: logger}, nil
}

// Append writes events in a single insert block. Either every event is
// accepted or the call fails; the block is not partially applied.
func (s *Store) Append(ctx context.Context, events ...model.LabelEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, insertLabelEventsSQL)
	if err != nil {
		return fmt.Errorf("analytics: prepare insert: %w", err)
	}
	for _, e := range events {
		if err := batch.Append(
			e.WriteID, e.ProjectID, e.ClassID, e.LabelID, e.LabelName,
			string(e.LabelSource), e.ValueKey, e.Value, e.SpanID, e.RecordedAt.UTC(),
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("analytics: append event %s: %w", e.WriteID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("analytics: send %d events: %w", len(events), err)
	}
	return nil
}

// History returns every recorded write to one label, oldest first.
func (s *Store) History(ctx context.Context, projectID, labelID uuid.UUID) ([]model.LabelEvent, error) {
	rows, err := s.conn.Query(ctx, selectLabelHistorySQL, projectID, labelID)
	if err != nil {
		return nil, fmt.Errorf("analytics: query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.LabelEvent
	for rows.Next() {
		var (
			e      model.LabelEvent
			source string
		)
		if err := rows.Scan(&e.WriteID, &e.ProjectID, &e.ClassID, &e.LabelID, &e.LabelName,
			&source, &e.ValueKey, &e.Value, &e.SpanID, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("analytics: scan event: %w", err)
		}
		e.LabelSource = model.SourceKind(source)
		e.RecordedAt = e.RecordedAt.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("analytics: read history: %w", err)
	}
	return events, nil
}

// Ping checks connectivity to ClickHouse.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}
