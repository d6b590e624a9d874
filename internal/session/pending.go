// Package session holds the pending-login challenge state between a
// successful password check and the second-factor code.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	pendingKeyPrefix = "plc"
	accountKeyPrefix = "plu"
)

var (
	// ErrNotFound covers the unknown, the expired, and the already
	// consumed session. Redis self-expiry makes the three
	// indistinguishable, which is fine: the caller's answer is the
	// same for all of them.
	ErrNotFound = errors.New("session: pending login not found")
	ErrBackend  = errors.New("session: backend unavailable")
)

// PendingStore keeps one live challenge per account. Keys expire on
// their own, so an abandoned login needs no cleanup.
type PendingStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewPendingStore(redisClient *redis.Client, ttl time.Duration) (*PendingStore, error) {
	if ttl <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}
	return &PendingStore{redis: redisClient, ttl: ttl}, nil
}

func pendingKey(sid string) string {
	return pendingKeyPrefix + ":" + sid
}

func accountKey(accountID uuid.UUID) string {
	return accountKeyPrefix + ":" + accountID.String()
}

// Create opens a challenge for the account and returns its session id.
// A prior unconsumed challenge for the same account is dropped first,
// so a fresh login attempt always supersedes a stale one.
func (s *PendingStore) Create(ctx context.Context, accountID uuid.UUID) (string, error) {
	prev, err := s.redis.Get(ctx, accountKey(accountID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err == nil {
		if err := s.redis.Del(ctx, pendingKey(prev)).Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackend, err)
		}
	}

	sid := uuid.NewString()
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, pendingKey(sid), accountID.String(), s.ttl)
	pipe.Set(ctx, accountKey(accountID), sid, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return sid, nil
}

// Resolve looks up the session id without consuming it. A failed
// second-factor code leaves the challenge open for another try within
// the TTL.
func (s *PendingStore) Resolve(ctx context.Context, sid string) (uuid.UUID, error) {
	val, err := s.redis.Get(ctx, pendingKey(sid)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	accountID, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: corrupt session record", ErrBackend)
	}
	return accountID, nil
}

// Consume discards the account's live challenge, if any. Called after a
// successful second-factor verification so the session id cannot be
// replayed.
func (s *PendingStore) Consume(ctx context.Context, accountID uuid.UUID) error {
	sid, err := s.redis.GetDel(ctx, accountKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := s.redis.Del(ctx, pendingKey(sid)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}
