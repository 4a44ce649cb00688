package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes that mean "the same statement may succeed if retried".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// IsRetriable reports whether err is a transient Postgres conflict.
// Constraint violations, connection loss and timeouts are not retriable here.
func IsRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

// classDataException prefixes the SQLSTATEs Postgres raises for values it
// cannot store, such as U+0000 in text (22021) or jsonb (22P05).
const classDataException = "22"

// IsDataError reports whether Postgres refused a value itself. The same
// statement fails the same way on every attempt.
func IsDataError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, classDataException)
}

// WithRetry runs fn, retrying up to maxRetries times while it fails with a
// retriable error. The delay starts at baseDelay, doubles per attempt and
// carries up to 100% jitter.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsRetriable(err) || attempt >= maxRetries {
			return err
		}
		var jitter time.Duration
		if delay > 0 {
			jitter = time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter only
		}
		t := time.NewTimer(delay + jitter)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}
