package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/fruitscan/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// LatestResultKeyPrefix prefix of the per device latest result key
const LatestResultKeyPrefix = "scanner:last:"

// RedisSetter the subset of the Redis client API used by the cache
type RedisSetter interface {
	Set(ctxt context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// redisLatestResultCache ResultWriter keeping the latest result of each device
type redisLatestResultCache struct {
	goutils.Component
	client RedisSetter
	ttl    time.Duration
}

// GetRedisLatestResultCache define a new Redis backed latest result cache
func GetRedisLatestResultCache(client RedisSetter, ttl time.Duration) ResultWriter {
	return &redisLatestResultCache{
		Component: common.DefineFlushAwareComponent(
			log.Fields{"module": "storage", "component": "latest-result-cache"},
		),
		client: client,
		ttl:    ttl,
	}
}

// LatestResultKey cache key of a device's latest result
func LatestResultKey(macID string) string {
	return LatestResultKeyPrefix + macID
}

func (c *redisLatestResultCache) WriteResult(ctxt context.Context, record FlushRecord) error {
	payload, err := json.Marshal(&record)
	if err != nil {
		return fmt.Errorf("serialize result: %w", err)
	}
	key := LatestResultKey(record.MACID)
	if err := c.client.Set(ctxt, key, payload, c.ttl).Err(); err != nil {
		log.WithError(err).WithFields(c.GetLogTagsForContext(ctxt)).Errorf(
			"Unable to cache result under %s", key,
		)
		return fmt.Errorf("cache result: %w", err)
	}
	return nil
}
