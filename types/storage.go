package types

import "context"

// Storage is the device-local durable key/value backend under the cache and
// the token store. Delete of an absent key is not an error.
type Storage interface {
	LifecycleManager
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}

type StorageCreator func(config interface{}) (Storage, error)
