package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEvaluationCacheStore shares evaluation results across instances.
// Data keys are tracked in index sets so invalidation never needs SCAN.
type RedisEvaluationCacheStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisEvaluationCacheStore(client redis.UniversalClient, prefix string) *RedisEvaluationCacheStore {
	if prefix == "" {
		prefix = "flag_eval_cache"
	}
	return &RedisEvaluationCacheStore{client: client, prefix: prefix}
}

func (s *RedisEvaluationCacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.client == nil {
		return nil, false, nil
	}
	val, err := s.client.Get(ctx, s.dataKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisEvaluationCacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.client == nil || ttl <= 0 {
		return nil
	}
	dataKey := s.dataKey(key)
	allIndex := s.allIndexKey()
	userIndex := s.userIndexKeyFromCacheKey(key)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dataKey, value, ttl)
	pipe.SAdd(ctx, allIndex, dataKey)
	pipe.Expire(ctx, allIndex, ttl+time.Minute)
	if userIndex != "" {
		pipe.SAdd(ctx, userIndex, dataKey)
		pipe.Expire(ctx, userIndex, ttl+time.Minute)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisEvaluationCacheStore) InvalidateUser(ctx context.Context, userID string) error {
	if s.client == nil {
		return nil
	}
	indexKey := s.userIndexKey(userID)
	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := s.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, indexKey)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisEvaluationCacheStore) InvalidateAll(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	allIndex := s.allIndexKey()
	keys, err := s.client.SMembers(ctx, allIndex).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := s.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, allIndex)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisEvaluationCacheStore) dataKey(cacheKey string) string {
	return fmt.Sprintf("%s:data:%s", s.prefix, hashToken(cacheKey))
}

func (s *RedisEvaluationCacheStore) allIndexKey() string {
	return fmt.Sprintf("%s:index:all", s.prefix)
}

func (s *RedisEvaluationCacheStore) userIndexKey(userID string) string {
	return fmt.Sprintf("%s:index:user:%s", s.prefix, hashToken(userID))
}

func (s *RedisEvaluationCacheStore) userIndexKeyFromCacheKey(cacheKey string) string {
	const prefix = "u:"
	if !strings.HasPrefix(cacheKey, prefix) {
		return ""
	}
	rest := cacheKey[len(prefix):]
	sep := strings.Index(rest, "|")
	if sep <= 0 {
		return ""
	}
	return s.userIndexKey(rest[:sep])
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
