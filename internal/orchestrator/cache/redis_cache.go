package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ersilia-os/ersilia-hub-sub000/internal/orchestrator/domain"
)

const keyPrefix = "cache:"

type entry struct {
	Input  string          `json:"input"`
	Result json.RawMessage `json:"result"`
	UserId string          `json:"user_id,omitempty"`
}

// RedisCache keeps results in redis, with an optional local LRU in front of it.
// Entries are written once and never change, so the local copy cannot go stale
// other than by expiring later than its redis counterpart.
type RedisCache struct {
	db    redis.UniversalClient
	ttl   time.Duration
	local *lru.Cache
}

func NewRedisCache(db redis.UniversalClient, ttl time.Duration, localCacheSize int) (*RedisCache, error) {
	c := &RedisCache{db: db, ttl: ttl}
	if localCacheSize > 0 {
		local, err := lru.New(localCacheSize)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		c.local = local
	}
	return c, nil
}

func (c *RedisCache) Lookup(_ context.Context, modelId string, inputs []string) ([]domain.CachedResult, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	results := make([]domain.CachedResult, 0, len(inputs))
	var missingKeys []string
	var missingInputs []string
	for _, input := range inputs {
		key := cacheKey(modelId, input)
		if c.local != nil {
			if value, ok := c.local.Get(key); ok {
				results = append(results, domain.CachedResult{Input: input, Result: value.(json.RawMessage)})
				continue
			}
		}
		missingKeys = append(missingKeys, key)
		missingInputs = append(missingInputs, input)
	}
	if len(missingKeys) == 0 {
		return results, nil
	}

	values, err := c.db.MGet(missingKeys...).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			log.WithField("modelId", modelId).Warnf("Ignoring unreadable cache entry %s: %v", missingKeys[i], err)
			continue
		}
		// Guard against hash collisions.
		if e.Input != missingInputs[i] {
			continue
		}
		if c.local != nil {
			c.local.Add(missingKeys[i], e.Result)
		}
		results = append(results, domain.CachedResult{Input: e.Input, Result: e.Result})
	}
	return results, nil
}

func (c *RedisCache) Persist(_ context.Context, modelId string, inputs []string, results []json.RawMessage, userId string) (bool, error) {
	if len(inputs) != len(results) {
		return false, errors.Errorf("got %d results for %d inputs", len(results), len(inputs))
	}
	pipe := c.db.Pipeline()
	stored := 0
	for i, input := range inputs {
		if domain.IsEmptyResult(results[i : i+1]) {
			continue
		}
		value, err := json.Marshal(entry{Input: input, Result: results[i], UserId: userId})
		if err != nil {
			return false, errors.WithStack(err)
		}
		pipe.Set(cacheKey(modelId, input), value, c.ttl)
		stored++
	}
	if stored == 0 {
		return false, nil
	}
	if _, err := pipe.Exec(); err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}
