package storage

import (
	"context"
	"encoding/base64"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

const (
	cloverKeyField   = "key"
	cloverValueField = "value"
)

type CloverConfig struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
}

// CloverStorage keeps one document per key in an embedded clover database.
// An empty path opens the database in memory.
type CloverStorage struct {
	logger types.Logger
	config *CloverConfig
	db     *clover.DB
	state  atomic.Value
	mu     sync.Mutex
}

func NewCloverStorage(logger types.Logger, config *types.StorageConfig) (*CloverStorage, error) {
	cloverConfig := &CloverConfig{
		Collection: "query_cache",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, cloverConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover storage config")
		}
	}

	var db *clover.DB
	var err error

	if cloverConfig.Path == "" {
		db, err = clover.Open("", clover.InMemoryMode(true))
	} else {
		db, err = clover.Open(cloverConfig.Path)
	}
	if err != nil {
		return nil, types.Errorf(types.ErrStorageConnectionFailed, "open clover: %v", err)
	}

	exists, err := db.HasCollection(cloverConfig.Collection)
	if err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		if err = db.CreateCollection(cloverConfig.Collection); err != nil {
			_ = db.Close()
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	storage := &CloverStorage{
		logger: logger,
		config: cloverConfig,
		db:     db,
	}
	storage.state.Store(StateStopped)
	return storage, nil
}

func (c *CloverStorage) Start() error {
	if !c.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	c.logger.Info("Clover storage started", zap.String("path", c.config.Path))
	return nil
}

func (c *CloverStorage) Stop() error {
	if !c.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer c.state.Store(StateStopped)

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover")
	}
	return nil
}

func (c *CloverStorage) IsRunning() bool {
	return c.state.Load().(State) == StateRunning
}

func (c *CloverStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, types.ErrStorageKeyEmpty
	}

	doc, err := c.byKey(key).FindFirst()
	if err != nil {
		return nil, false, types.Errorf(types.ErrStorageOperationFailed, "get %s: %v", key, err)
	}
	if doc == nil {
		return nil, false, nil
	}

	encoded, ok := doc.Get(cloverValueField).(string)
	if !ok {
		return nil, false, types.Errorf(types.ErrStorageOperationFailed, "get %s: value is not a string", key)
	}

	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, types.Errorf(types.ErrStorageOperationFailed, "get %s: %v", key, err)
	}

	return value, true, nil
}

func (c *CloverStorage) Set(_ context.Context, key string, value []byte) error {
	if key == "" {
		return types.ErrStorageKeyEmpty
	}

	encoded := base64.StdEncoding.EncodeToString(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.byKey(key).FindFirst()
	if err != nil {
		return types.Errorf(types.ErrStorageOperationFailed, "set %s: %v", key, err)
	}

	if doc != nil {
		err = c.byKey(key).Update(map[string]interface{}{cloverValueField: encoded})
	} else {
		doc = clover.NewDocument()
		doc.Set(cloverKeyField, key)
		doc.Set(cloverValueField, encoded)
		err = c.db.Insert(c.config.Collection, doc)
	}

	if err != nil {
		return types.Errorf(types.ErrStorageOperationFailed, "set %s: %v", key, err)
	}
	return nil
}

func (c *CloverStorage) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.byKey(key).Delete(); err != nil {
		return types.Errorf(types.ErrStorageOperationFailed, "delete %s: %v", key, err)
	}
	return nil
}

func (c *CloverStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	query := c.db.Query(c.config.Collection)
	if prefix != "" {
		query = query.Where(clover.Field(cloverKeyField).Like("^" + regexp.QuoteMeta(prefix)))
	}

	docs, err := query.FindAll()
	if err != nil {
		return nil, types.Errorf(types.ErrStorageOperationFailed, "keys %s: %v", prefix, err)
	}

	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		if key, ok := doc.Get(cloverKeyField).(string); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (c *CloverStorage) Ping(context.Context) error {
	_, err := c.db.HasCollection(c.config.Collection)
	return err
}

func (c *CloverStorage) byKey(key string) *clover.Query {
	return c.db.Query(c.config.Collection).Where(clover.Field(cloverKeyField).Eq(key))
}
