package storage

import (
	"context"
	"time"

	"github.com/fxbharat/fxbharat/internal/dates"
)

// Backend abstracts persistence for rate and metal observations. Engines are
// interchangeable: a caller holding a Backend never learns which one it got.
//
// Insert operations are idempotent upserts keyed by the observation identity;
// re-writing a key replaces the stored row and is never an error. Each batch
// is atomic: on failure nothing from the batch is visible. Fetch bounds are
// inclusive and nil means unbounded on that side.
type Backend interface {
	// EnsureSchema creates missing tables/collections/indexes and patches
	// schemas written by older releases. A backend that cannot prove its
	// schema is correct must not accept writes.
	EnsureSchema(ctx context.Context) error

	// Rates, keyed (date, currency, source).
	InsertRates(ctx context.Context, rows []ForexRate) (Result, error)
	FetchRange(ctx context.Context, start, end *time.Time, source string) ([]ForexRate, error)

	// Metals, keyed (date, metal).
	InsertMetalRates(ctx context.Context, metal Metal, rows []MetalRate) (Result, error)
	FetchMetalRange(ctx context.Context, metal Metal, start, end *time.Time) ([]MetalRate, error)

	// Checkpoints. Checkpoint returns nil (no error) when the source has
	// never been ingested. WriteCheckpoint only ever advances: a write with
	// a day older than the stored one is ignored.
	Checkpoint(ctx context.Context, source string) (*Checkpoint, error)
	WriteCheckpoint(ctx context.Context, source string, day time.Time) error

	// Ping probes connectivity without touching data paths.
	Ping(ctx context.Context) error

	// Close releases any resources (no-op for in-memory).
	Close() error
}

// inRange reports whether day falls inside the inclusive [start, end] bounds,
// with nil bounds open.
func inRange(day time.Time, start, end *time.Time) bool {
	if start != nil && day.Before(*start) {
		return false
	}
	if end != nil && day.After(*end) {
		return false
	}
	return true
}

// normalizeBounds truncates non-nil bounds to UTC midnight so they compare
// against stored day values.
func normalizeBounds(start, end *time.Time) (*time.Time, *time.Time) {
	if start != nil {
		s := dates.Day(*start)
		start = &s
	}
	if end != nil {
		e := dates.Day(*end)
		end = &e
	}
	return start, end
}
