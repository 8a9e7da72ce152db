package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/docscraper/pkg/utils"
)

const imageFailurePrefix = "docscraper:image-failed:"

// RedisStore keeps short-lived crawl state in Redis. It satisfies
// images.FailureCache so a failed image is not fetched again by later runs
// until its key expires.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// RememberFailure sets the failure marker for imageURL with a TTL.
func (s *RedisStore) RememberFailure(ctx context.Context, imageURL string, ttl time.Duration) error {
	if err := s.client.Set(ctx, failureKey(imageURL), "1", ttl).Err(); err != nil {
		return fmt.Errorf("remember image failure: %w", err)
	}
	return nil
}

// RecentlyFailed reports whether a failure marker for imageURL is still live.
func (s *RedisStore) RecentlyFailed(ctx context.Context, imageURL string) (bool, error) {
	n, err := s.client.Exists(ctx, failureKey(imageURL)).Result()
	if err != nil {
		return false, fmt.Errorf("check image failure: %w", err)
	}
	return n == 1, nil
}

func failureKey(imageURL string) string {
	return imageFailurePrefix + utils.HashURL(imageURL)
}
