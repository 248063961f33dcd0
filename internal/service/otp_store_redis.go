package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOTPStore keeps OTP state in a hash per (user, type) key so the
// attempt counter can ride HINCRBY: atomic, and the key TTL is untouched.
type RedisOTPStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisOTPStore(client redis.UniversalClient, prefix string) *RedisOTPStore {
	if prefix == "" {
		prefix = "otp"
	}
	return &RedisOTPStore{client: client, prefix: prefix}
}

func (s *RedisOTPStore) entryKey(userID uint, verificationType string) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, verificationType, userID)
}

func (s *RedisOTPStore) sentKey(userID uint, verificationType string) string {
	return fmt.Sprintf("%s:sent:%s:%d", s.prefix, verificationType, userID)
}

func (s *RedisOTPStore) Put(ctx context.Context, userID uint, verificationType string, code string, ttl time.Duration) error {
	key := s.entryKey(userID, verificationType)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, "code", code, "attempts", 0)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisOTPStore) Get(ctx context.Context, userID uint, verificationType string) (*OTPEntry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(userID, verificationType)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("parse otp attempts: %w", err)
	}
	return &OTPEntry{Code: fields["code"], Attempts: attempts}, nil
}

func (s *RedisOTPStore) IncrementAttempts(ctx context.Context, userID uint, verificationType string) (int, error) {
	key := s.entryKey(userID, verificationType)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}
	n, err := s.client.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *RedisOTPStore) Delete(ctx context.Context, userID uint, verificationType string) error {
	return s.client.Del(ctx, s.entryKey(userID, verificationType)).Err()
}

func (s *RedisOTPStore) MarkSent(ctx context.Context, userID uint, verificationType string, at time.Time, ttl time.Duration) error {
	return s.client.Set(ctx, s.sentKey(userID, verificationType), at.Unix(), ttl).Err()
}

func (s *RedisOTPStore) LastSent(ctx context.Context, userID uint, verificationType string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.sentKey(userID, verificationType)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse otp sent timestamp: %w", err)
	}
	return time.Unix(unix, 0), true, nil
}
