package storage

import (
	"context"
	"database/sql"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

type SQLiteConfig struct {
	Path        string `json:"path"`
	Table       string `json:"table"`
	BusyTimeout string `json:"busy_timeout"`
}

// SQLiteStorage is the on-device file backend: one row per key.
type SQLiteStorage struct {
	logger types.Logger
	config *SQLiteConfig
	db     *sql.DB
	state  atomic.Value

	getStmt    string
	setStmt    string
	deleteStmt string
	keysStmt   string
}

func NewSQLiteStorage(ctx context.Context, logger types.Logger, config *types.StorageConfig) (*SQLiteStorage, error) {
	sqliteConfig := &SQLiteConfig{
		Path:        "query_cache.db",
		Table:       "kv",
		BusyTimeout: "5s",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, sqliteConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite storage config")
		}
	}

	if !isIdentifier(sqliteConfig.Table) {
		return nil, types.Errorf(types.ErrInvalidParameter, "table name: %q", sqliteConfig.Table)
	}

	busy := utils.ParseDurationOr(sqliteConfig.BusyTimeout, 5*time.Second)
	dsn := "file:" + sqliteConfig.Path + "?_busy_timeout=" + strconv.FormatInt(busy.Milliseconds(), 10) + "&_journal_mode=WAL"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.Errorf(types.ErrStorageConnectionFailed, "open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)

	table := sqliteConfig.Table
	if _, err = db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+table+" (key TEXT PRIMARY KEY, value BLOB NOT NULL)"); err != nil {
		_ = db.Close()
		return nil, types.Errorf(types.ErrStorageConnectionFailed, "create table: %v", err)
	}

	storage := &SQLiteStorage{
		logger:     logger,
		config:     sqliteConfig,
		db:         db,
		getStmt:    "SELECT value FROM " + table + " WHERE key = ?",
		setStmt:    "INSERT INTO " + table + " (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		deleteStmt: "DELETE FROM " + table + " WHERE key = ?",
		keysStmt:   "SELECT key FROM " + table + " WHERE substr(key, 1, ?) = ? ORDER BY key",
	}
	storage.state.Store(StateStopped)
	return storage, nil
}

func (s *SQLiteStorage) Start() error {
	if !s.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	s.logger.Info("SQLite storage started", zap.String("path", s.config.Path))
	return nil
}

func (s *SQLiteStorage) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer s.state.Store(StateStopped)

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close sqlite")
	}
	return nil
}

func (s *SQLiteStorage) IsRunning() bool {
	return s.state.Load().(State) == StateRunning
}

func (s *SQLiteStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, types.ErrStorageKeyEmpty
	}

	var value []byte
	err := s.db.QueryRowContext(ctx, s.getStmt, key).Scan(&value)
	if err != nil {
		if types.IsError(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, types.Errorf(types.ErrStorageOperationFailed, "get %s: %v", key, err)
	}

	return value, true, nil
}

func (s *SQLiteStorage) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return types.ErrStorageKeyEmpty
	}
	if value == nil {
		value = []byte{}
	}

	if _, err := s.db.ExecContext(ctx, s.setStmt, key, value); err != nil {
		return types.Errorf(types.ErrStorageOperationFailed, "set %s: %v", key, err)
	}
	return nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteStmt, key); err != nil {
		return types.Errorf(types.ErrStorageOperationFailed, "delete %s: %v", key, err)
	}
	return nil
}

// Keys compares the leading characters exactly. LIKE folds ASCII case in
// SQLite and would widen the match.
func (s *SQLiteStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.keysStmt, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, types.Errorf(types.ErrStorageOperationFailed, "keys %s: %v", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err = rows.Scan(&key); err != nil {
			return nil, types.Errorf(types.ErrStorageOperationFailed, "keys %s: %v", prefix, err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
