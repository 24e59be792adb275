package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

const (
	KeyPrefix    = "auth:"
	BackupSuffix = "_backup"
	nonceSize    = 24
)

type record struct {
	Value    string    `json:"value"`
	StoredAt time.Time `json:"stored_at"`
	Sealed   bool      `json:"sealed,omitempty"`
}

type Option func(*TokenStore)

func WithClock(now func() time.Time) Option {
	return func(s *TokenStore) {
		s.now = now
	}
}

// WithPersistPolicy sets the bounded write retry shared with the cache.
func WithPersistPolicy(attempts int, delay time.Duration) Option {
	return func(s *TokenStore) {
		s.attempts = attempts
		s.delay = delay
	}
}

// TokenStore keeps each token under "<namespace>" and "<namespace>_backup".
// The backup is read only when the primary is missing, expired or unreadable.
// The two writes are not atomic.
type TokenStore struct {
	storage  types.Storage
	logger   types.Logger
	window   time.Duration
	attempts int
	delay    time.Duration
	key      *[32]byte
	now      func() time.Time
}

var _ types.TokenStore = (*TokenStore)(nil)

func NewTokenStore(storage types.Storage, config *types.AuthConfig, logger types.Logger, opts ...Option) (*TokenStore, error) {
	if storage == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "storage is nil")
	}

	s := &TokenStore{
		storage:  storage,
		logger:   logger,
		window:   24 * time.Hour,
		attempts: 3,
		delay:    100 * time.Millisecond,
		now:      time.Now,
	}

	if config != nil {
		if config.ExpiryWindow > 0 {
			s.window = config.ExpiryWindow
		}
		if config.EncryptionKey != "" {
			key, err := parseKey(config.EncryptionKey)
			if err != nil {
				return nil, err
			}
			s.key = key
		}
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func parseKey(hexKey string) (*[32]byte, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return nil, types.Errorf(types.ErrAuthKeyInvalid, "want 32 hex-encoded bytes")
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// Get returns the freshest readable token for namespace. Expired and
// unreadable records are removed on the way.
func (s *TokenStore) Get(ctx context.Context, namespace string) (types.AuthToken, bool) {
	for _, key := range []string{primaryKey(namespace), backupKey(namespace)} {
		token, ok := s.read(ctx, key)
		if ok {
			return token, true
		}
	}
	return types.AuthToken{}, false
}

// Set writes the primary slot, then the backup slot.
func (s *TokenStore) Set(ctx context.Context, namespace string, value string) {
	rec := record{Value: value, StoredAt: s.now()}

	if s.key != nil {
		sealed, err := s.seal(value)
		if err != nil {
			s.logger.Error("Failed to seal auth token", zap.String("namespace", namespace), zap.Error(err))
			return
		}
		rec.Value = sealed
		rec.Sealed = true
	}

	data, err := utils.Marshal(rec)
	if err != nil {
		s.logger.Error("Failed to encode auth token", zap.String("namespace", namespace), zap.Error(err))
		return
	}

	for _, key := range []string{primaryKey(namespace), backupKey(namespace)} {
		s.persist(ctx, key, data)
	}
}

func (s *TokenStore) Clear(ctx context.Context, namespace string) {
	for _, key := range []string{primaryKey(namespace), backupKey(namespace)} {
		if err := s.storage.Delete(ctx, key); err != nil {
			s.logger.Error("Failed to clear auth token", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *TokenStore) persist(ctx context.Context, key string, data []byte) {
	err := utils.RetryConstant(ctx, s.attempts, s.delay,
		func() error {
			return s.storage.Set(ctx, key, data)
		},
		func(attempt int, err error) {
			s.logger.Warn("Auth token persist attempt failed",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
	)
	if err != nil {
		s.logger.Error("Auth token not persisted", zap.String("key", key), zap.Error(types.Errorf(types.ErrStorage, "%v", err)))
	}
}

func (s *TokenStore) read(ctx context.Context, key string) (types.AuthToken, bool) {
	data, exists, err := s.storage.Get(ctx, key)
	if err != nil {
		s.logger.Error("Failed to read auth token", zap.String("key", key), zap.Error(types.Errorf(types.ErrStorage, "%v", err)))
		return types.AuthToken{}, false
	}
	if !exists {
		return types.AuthToken{}, false
	}

	var rec record
	if err = utils.Unmarshal(data, &rec); err != nil || rec.StoredAt.IsZero() {
		s.logger.Warn("Dropping unreadable auth token", zap.String("key", key))
		s.remove(ctx, key)
		return types.AuthToken{}, false
	}

	token := types.AuthToken{Value: rec.Value, StoredAt: rec.StoredAt}
	if token.Expired(s.now(), s.window) {
		s.logger.Debug("Auth token expired", zap.String("key", key), zap.Time("stored_at", rec.StoredAt))
		s.remove(ctx, key)
		return types.AuthToken{}, false
	}

	if rec.Sealed {
		value, err := s.open(rec.Value)
		if err != nil {
			s.logger.Warn("Dropping auth token that cannot be unsealed", zap.String("key", key), zap.Error(err))
			s.remove(ctx, key)
			return types.AuthToken{}, false
		}
		token.Value = value
	}

	return token, true
}

func (s *TokenStore) remove(ctx context.Context, key string) {
	if err := s.storage.Delete(ctx, key); err != nil {
		s.logger.Error("Failed to remove auth token", zap.String("key", key), zap.Error(err))
	}
}

func (s *TokenStore) seal(value string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	box := secretbox.Seal(nonce[:], []byte(value), &nonce, s.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

func (s *TokenStore) open(sealed string) (string, error) {
	if s.key == nil {
		return "", types.Errorf(types.ErrAuthTokenUnsealFailed, "no key configured")
	}

	box, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(box) < nonceSize {
		return "", types.ErrAuthTokenUnsealFailed
	}

	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])

	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, s.key)
	if !ok {
		return "", types.ErrAuthTokenUnsealFailed
	}
	return string(plain), nil
}

func primaryKey(namespace string) string {
	return KeyPrefix + namespace
}

func backupKey(namespace string) string {
	return KeyPrefix + namespace + BackupSuffix
}
