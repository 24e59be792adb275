package types

import (
	"context"
)

type FetchFunc func(ctx context.Context) ([]byte, error)

type QueryExecutor interface {
	Execute(ctx context.Context, fetch FetchFunc, opts ExecuteOptions) ([]byte, error)
}

type ExecuteOptions struct {
	// TryOffline skips the connectivity precheck.
	TryOffline bool
	// MaxRetries overrides the executor default when set.
	MaxRetries *int
}
