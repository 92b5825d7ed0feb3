package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/staylytics/funnel-core/internal/models"
)

const cacheKeyPrefix = "funnel:cache:"

// RedisCacheStore implements CacheStore on Redis. One JSON value per
// (client, platform, period) key; no TTL is set because entries are
// removed by the archiver when the period closes, not by expiry.
type RedisCacheStore struct {
	client *redis.Client
}

// NewRedisCacheStore creates a cache store over the given Redis client.
func NewRedisCacheStore(client *redis.Client) *RedisCacheStore {
	return &RedisCacheStore{client: client}
}

func cacheKey(clientID string, platform models.Platform, periodID string) string {
	return fmt.Sprintf("%s%s:%s:%s", cacheKeyPrefix, clientID, platform, periodID)
}

func (s *RedisCacheStore) Get(ctx context.Context, clientID string, platform models.Platform, periodID string) (*models.CacheEntry, error) {
	raw, err := s.client.Get(ctx, cacheKey(clientID, platform, periodID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

func (s *RedisCacheStore) Put(ctx context.Context, entry *models.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	key := cacheKey(entry.Summary.ClientID, entry.Summary.Platform, entry.PeriodID)
	if err := s.client.Set(ctx, key, raw, 0).Err(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (s *RedisCacheStore) Delete(ctx context.Context, clientID string, platform models.Platform, periodID string) error {
	if err := s.client.Del(ctx, cacheKey(clientID, platform, periodID)).Err(); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

func (s *RedisCacheStore) List(ctx context.Context) ([]*models.CacheEntry, error) {
	var entries []*models.CacheEntry

	iter := s.client.Scan(ctx, 0, cacheKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("cache scan get: %w", err)
		}
		var entry models.CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("decode cache entry %s: %w", iter.Val(), err)
		}
		entries = append(entries, &entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache scan: %w", err)
	}
	return entries, nil
}
