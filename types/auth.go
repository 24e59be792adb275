package types

import (
	"context"
	"time"
)

type TokenStore interface {
	Get(ctx context.Context, namespace string) (AuthToken, bool)
	Set(ctx context.Context, namespace string, value string)
	Clear(ctx context.Context, namespace string)
}

type SessionRefresher interface {
	Refresh(ctx context.Context) error
}

type SessionRefresherFunc func(ctx context.Context) error

func (f SessionRefresherFunc) Refresh(ctx context.Context) error {
	return f(ctx)
}

type AuthToken struct {
	Value    string    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

func (t AuthToken) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(t.StoredAt) >= window
}
