package store

import "errors"

// ErrNotFound is returned when a lookup by id or message-id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrConstraint wraps a SQLite constraint violation surfaced to callers.
var ErrConstraint = errors.New("store: constraint violation")
