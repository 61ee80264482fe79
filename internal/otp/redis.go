package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/model"
)

// compareAndDelete removes the key only if it still holds the value the
// caller read, so two consumers of the same code cannot both win.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps codes in Redis with a TTL matching their expiry.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

var _ Store = (*RedisStore)(nil)

type redisRecord struct {
	Identity  string           `json:"identity"`
	Purpose   model.OTPPurpose `json:"purpose"`
	AccountID int64            `json:"account_id"`
	CafeID    int64            `json:"cafe_id"`
	Points    int64            `json:"points"`
	CodeHash  string           `json:"code_hash"`
	IssuedAt  time.Time        `json:"issued_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

func redisKey(identity string, purpose model.OTPPurpose) string {
	return fmt.Sprintf("otp:%s:%s", purpose, identity)
}

func (s *RedisStore) Put(ctx context.Context, o *model.RedemptionOTP) error {
	data, err := json.Marshal(redisRecord{
		Identity:  o.Identity,
		Purpose:   o.Purpose,
		AccountID: o.AccountID,
		CafeID:    o.CafeID,
		Points:    o.Points,
		CodeHash:  o.CodeHash,
		IssuedAt:  o.IssuedAt,
		ExpiresAt: o.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshal otp: %w", err)
	}

	ttl := o.ExpiresAt.Sub(o.IssuedAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, redisKey(o.Identity, o.Purpose), data, ttl).Err(); err != nil {
		return fmt.Errorf("set otp: %w", err)
	}
	return nil
}

func (s *RedisStore) Consume(ctx context.Context, identity string, purpose model.OTPPurpose, code string, now time.Time) (*model.RedemptionOTP, error) {
	key := redisKey(identity, purpose)

	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ledger.ErrInvalidOrExpiredOTP
	}
	if err != nil {
		return nil, fmt.Errorf("get otp: %w", err)
	}

	var rec redisRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal otp: %w", err)
	}

	o := &model.RedemptionOTP{
		Identity:  rec.Identity,
		Purpose:   rec.Purpose,
		AccountID: rec.AccountID,
		CafeID:    rec.CafeID,
		Points:    rec.Points,
		CodeHash:  rec.CodeHash,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	if o.Expired(now) || !Matches(o.CodeHash, code) {
		return nil, ledger.ErrInvalidOrExpiredOTP
	}

	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, raw).Int64()
	if err != nil {
		return nil, fmt.Errorf("consume otp: %w", err)
	}
	if n != 1 {
		return nil, ledger.ErrInvalidOrExpiredOTP
	}
	return o, nil
}

func (s *RedisStore) Delete(ctx context.Context, identity string, purpose model.OTPPurpose) error {
	if err := s.client.Del(ctx, redisKey(identity, purpose)).Err(); err != nil {
		return fmt.Errorf("delete otp: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op; Redis evicts codes on their own TTL.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}
