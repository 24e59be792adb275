package types

import "context"

type NetworkMonitor interface {
	IsAvailable(ctx context.Context) bool
	Refresh(ctx context.Context) bool
	OnForeground(ctx context.Context)
	Subscribe(listener func(available bool))
}

// Prober performs one connectivity check. A returned error means the probe
// itself broke, not that the network is down.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

type ProberFunc func(ctx context.Context) (bool, error)

func (f ProberFunc) Probe(ctx context.Context) (bool, error) {
	return f(ctx)
}
