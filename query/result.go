package query

import (
	"context"
	"fmt"
	"time"
)

// FetchFunc performs one remote read. Returning types.ErrAuthExpired asks the
// executor for a session refresh; other errors can be marked with
// types.MarkRetryable.
type FetchFunc[T any] func(ctx context.Context) (T, error)

type Source string

const (
	SourceNone          Source = ""
	SourceCache         Source = "cache"
	SourceNetwork       Source = "network"
	SourceStaleFallback Source = "stale_fallback"
)

type Options struct {
	// ForceRefresh skips the fresh-cache shortcut.
	ForceRefresh bool
	// TTL of the written entry; zero uses the store default.
	TTL time.Duration
	// Critical entries are served past their TTL when the fetch fails.
	Critical   bool
	TryOffline bool
	MaxRetries *int
}

// Result is what a cached read hands back to the UI. Data is the zero value
// whenever Error is a failure rather than a StaleDataWarning.
type Result[T any] struct {
	Data      T
	Error     error
	FromCache bool
	Source    Source
}

// IsStale reports a fallback to an expired critical entry.
func (r Result[T]) IsStale() bool {
	return r.Source == SourceStaleFallback
}

func (r Result[T]) OK() bool {
	return r.Error == nil
}

// StaleDataWarning accompanies data served from an expired critical entry
// after the fetch failed.
type StaleDataWarning struct {
	Cause    error
	StoredAt time.Time
}

func (w *StaleDataWarning) Error() string {
	return fmt.Sprintf("serving stale data stored at %s: %v", w.StoredAt.Format(time.RFC3339), w.Cause)
}

func (w *StaleDataWarning) Unwrap() error {
	return w.Cause
}
