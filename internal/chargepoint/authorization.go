package chargepoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"drivepoint/internal/ocpp/protocol"
)

// TagStore caches authorization verdicts per id tag.
type TagStore interface {
	// Get returns the cached verdict, or nil on a miss.
	Get(ctx context.Context, idTag string) (*protocol.IdTagInfo, error)
	Put(ctx context.Context, idTag string, info protocol.IdTagInfo) error
}

// RedisTagStore keeps id tag verdicts in Redis with a TTL.
type RedisTagStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTagStore returns redis-backed store.
func NewRedisTagStore(client *redis.Client, ttl time.Duration) *RedisTagStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTagStore{client: client, ttl: ttl}
}

func (s *RedisTagStore) key(idTag string) string {
	return fmt.Sprintf("authcache:idtag:%s", idTag)
}

func (s *RedisTagStore) Get(ctx context.Context, idTag string) (*protocol.IdTagInfo, error) {
	result, err := s.client.Get(ctx, s.key(idTag)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info protocol.IdTagInfo
	if err := json.Unmarshal([]byte(result), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *RedisTagStore) Put(ctx context.Context, idTag string, info protocol.IdTagInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(idTag), data, s.ttl).Err()
}

// MemoryTagStore is an in-process TagStore used when Redis is not
// configured.
type MemoryTagStore struct {
	mu   sync.Mutex
	tags map[string]protocol.IdTagInfo
}

// NewMemoryTagStore returns an empty store.
func NewMemoryTagStore() *MemoryTagStore {
	return &MemoryTagStore{tags: make(map[string]protocol.IdTagInfo)}
}

func (s *MemoryTagStore) Get(_ context.Context, idTag string) (*protocol.IdTagInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.tags[idTag]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

func (s *MemoryTagStore) Put(_ context.Context, idTag string, info protocol.IdTagInfo) error {
	s.mu.Lock()
	s.tags[idTag] = info
	s.mu.Unlock()
	return nil
}

// AuthorizationService records the id tag verdicts returned by the
// Central System so they can be consulted while offline.
type AuthorizationService struct {
	store  TagStore
	logger *zap.Logger
}

// NewAuthorizationService builds the service.
func NewAuthorizationService(store TagStore, logger *zap.Logger) *AuthorizationService {
	return &AuthorizationService{store: store, logger: logger}
}

// Update caches the verdict for idTag. Cache failures are logged, never
// propagated: authorization bookkeeping must not break transactions.
func (a *AuthorizationService) Update(ctx context.Context, idTag string, info protocol.IdTagInfo) {
	if idTag == "" {
		return
	}
	if err := a.store.Put(ctx, idTag, info); err != nil {
		a.logger.Warn("update tag cache failed", zap.String("idTag", idTag), zap.Error(err))
		return
	}
	a.logger.Debug("tag cache updated", zap.String("idTag", idTag), zap.String("status", string(info.Status)))
}

// Cached returns the stored verdict for idTag, or nil when unknown.
func (a *AuthorizationService) Cached(ctx context.Context, idTag string) *protocol.IdTagInfo {
	info, err := a.store.Get(ctx, idTag)
	if err != nil {
		a.logger.Warn("read tag cache failed", zap.String("idTag", idTag), zap.Error(err))
		return nil
	}
	return info
}
