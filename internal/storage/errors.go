package storage

import "errors"

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrUnknownReference is returned when a label points at a span or label
	// class that is not stored.
	ErrUnknownReference = errors.New("storage: unknown span or label class")

	// ErrSpanMismatch is returned when a write names an existing label with a
	// different span than the one it was created on.
	ErrSpanMismatch = errors.New("storage: label belongs to another span")
)
