package service

import (
	"github.com/saiset-co/sai-query-cache/types"
)

type Option func(*options)

type options struct {
	logger    types.Logger
	storage   types.Storage
	prober    types.Prober
	refresher types.SessionRefresher
}

// WithLogger skips building a logger from config.
func WithLogger(logger types.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStorage injects a storage backend instead of opening the configured one.
func WithStorage(storage types.Storage) Option {
	return func(o *options) {
		o.storage = storage
	}
}

// WithProber replaces the configured connectivity probe.
func WithProber(prober types.Prober) Option {
	return func(o *options) {
		o.prober = prober
	}
}

// WithRefresher sets the session refresher used on auth expiry. Without it
// the remote client refreshes when remote is enabled.
func WithRefresher(refresher types.SessionRefresher) Option {
	return func(o *options) {
		o.refresher = refresher
	}
}
