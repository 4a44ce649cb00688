package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kansoku/internal/model"
)

const codeForeignKeyViolation = "23503"

const labelColumns = `id, span_id, class_id, value, user_email, label_source, reasoning, created_at, updated_at`

// UpsertLabelParams is one write of a label's current value.
type UpsertLabelParams struct {
	ID        uuid.UUID
	SpanID    uuid.UUID
	ClassID   uuid.UUID
	Value     float64
	Source    model.LabelSource
	Reasoning *string
}

// UpsertLabel inserts the label or overwrites the mutable fields of the
// existing row with the same id, and returns the row as committed.
//
// span_id and created_at are fixed by the first write; a later write with a
// different span_id changes nothing and fails with ErrSpanMismatch. updated_at
// never moves backwards, so the returned UpdatedAt orders writes to one label
// by commit.
func (db *DB) UpsertLabel(ctx context.Context, p UpsertLabelParams) (model.Label, error) {
	if p.Source == nil {
		return model.Label{}, fmt.Errorf("storage: upsert label: source is required")
	}
	row := db.pool.QueryRow(ctx, `
		INSERT INTO labels (id, span_id, class_id, value, user_email, label_source, reasoning, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, clock_timestamp(), clock_timestamp())
		ON CONFLICT (id) DO UPDATE SET
			value        = EXCLUDED.value,
			user_email   = EXCLUDED.user_email,
			class_id     = EXCLUDED.class_id,
			label_source = EXCLUDED.label_source,
			reasoning    = EXCLUDED.reasoning,
			updated_at   = GREATEST(clock_timestamp(), labels.updated_at)
		WHERE labels.span_id = EXCLUDED.span_id
		RETURNING `+labelColumns,
		p.ID, p.SpanID, p.ClassID, p.Value, model.UserEmail(p.Source), string(p.Source.Kind()), p.Reasoning,
	)
	l, err := scanLabel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Label{}, fmt.Errorf("storage: upsert label %s: %w", p.ID, ErrSpanMismatch)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
			return model.Label{}, fmt.Errorf("storage: upsert label %s: %w", p.ID, ErrUnknownReference)
		}
		return model.Label{}, fmt.Errorf("storage: upsert label %s: %w", p.ID, err)
	}
	return l, nil
}

// GetLabel returns the current row for a label id.
func (db *DB) GetLabel(ctx context.Context, id uuid.UUID) (model.Label, error) {
	l, err := scanLabel(db.pool.QueryRow(ctx, `SELECT `+labelColumns+` FROM labels WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Label{}, fmt.Errorf("storage: label %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Label{}, fmt.Errorf("storage: get label: %w", err)
	}
	return l, nil
}

// ListLabelsBySpan returns every current label on a span, oldest first.
func (db *DB) ListLabelsBySpan(ctx context.Context, spanID uuid.UUID) ([]model.Label, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+labelColumns+` FROM labels WHERE span_id = $1 ORDER BY created_at, id`, spanID)
	if err != nil {
		return nil, fmt.Errorf("storage: list labels: %w", err)
	}
	defer rows.Close()

	var labels []model.Label
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan label: %w", err)
		}
		labels = append(labels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list labels: %w", err)
	}
	return labels, nil
}

// EnsureLabelClass registers a label class id if it is not already known.
// Built-in evaluators call this at startup for the classes they write.
func (db *DB) EnsureLabelClass(ctx context.Context, id, projectID uuid.UUID, name string) error {
	if _, err := db.pool.Exec(ctx, `
		INSERT INTO label_classes (id, project_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`, id, projectID, name,
	); err != nil {
		return fmt.Errorf("storage: ensure label class %s: %w", id, err)
	}
	return nil
}

func scanLabel(row pgx.Row) (model.Label, error) {
	var (
		l         model.Label
		userEmail *string
		source    string
	)
	if err := row.Scan(&l.ID, &l.SpanID, &l.ClassID, &l.Value, &userEmail, &source,
		&l.Reasoning, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return model.Label{}, err
	}
	src, err := model.SourceFromStored(source, userEmail)
	if err != nil {
		return model.Label{}, err
	}
	l.Source = src
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}
