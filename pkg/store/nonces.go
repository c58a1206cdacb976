package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// SQLNonceStore provides replay protection with a unique (agent, nonce) index.
type SQLNonceStore struct {
	db        *gorm.DB
	pruneFreq time.Duration
	now       func() time.Time

	mu        sync.Mutex
	lastPrune time.Time
}

func NewSQLNonceStore(db *gorm.DB, pruneFreq time.Duration) *SQLNonceStore {
	if pruneFreq <= 0 {
		pruneFreq = time.Minute
	}
	return &SQLNonceStore{db: db, pruneFreq: pruneFreq, now: time.Now}
}

// SetIfAbsent inserts the pair; the unique index makes a concurrent duplicate fail.
func (s *SQLNonceStore) SetIfAbsent(ctx context.Context, agentUUID, nonce string, ttl time.Duration) (bool, error) {
	if agentUUID == "" || nonce == "" {
		return false, errors.New("missing agent or nonce")
	}
	now := s.now()
	if err := s.prune(ctx, now, ttl); err != nil {
		return false, err
	}

	record := AgentNonce{AgentUUID: agentUUID, Nonce: nonce, SeenAt: now}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// prune drops nonces older than ttl, at most once per pruneFreq. Requests that
// old already fail the timestamp check, so forgetting their nonces is safe.
func (s *SQLNonceStore) prune(ctx context.Context, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	if now.Sub(s.lastPrune) < s.pruneFreq {
		s.mu.Unlock()
		return nil
	}
	s.lastPrune = now
	s.mu.Unlock()

	cutoff := now.Add(-ttl)
	return s.db.WithContext(ctx).Where("seen_at < ?", cutoff).Delete(&AgentNonce{}).Error
}

// RedisNonceStore uses SET NX EX, which is atomic in Redis.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(client *redis.Client, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "leakguard:nonce"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

func (s *RedisNonceStore) SetIfAbsent(ctx context.Context, agentUUID, nonce string, ttl time.Duration) (bool, error) {
	if agentUUID == "" || nonce == "" {
		return false, errors.New("missing agent or nonce")
	}
	return s.client.SetNX(ctx, s.prefix+":"+agentUUID+":"+nonce, 1, ttl).Result()
}
