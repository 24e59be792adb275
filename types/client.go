package types

import (
	"context"
	"time"
)

type RemoteClient interface {
	LifecycleManager
	Call(ctx context.Context, method, path string, data interface{}, opts *CallOptions) ([]byte, int, error)
}

type CallOptions struct {
	Timeout  time.Duration
	Headers  map[string]string
	SkipAuth bool
}
