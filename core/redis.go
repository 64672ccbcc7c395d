package core

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// RedisConnectParams Redis / Valkey connection parameter
type RedisConnectParams struct {
	// Addr host:port of the server
	Addr string `validate:"required,hostname_port"`
	// Password the server password
	Password string
	// DB the logical DB
	DB int `validate:"gte=0"`
}

// GetRedisClient define a new Redis client, and verify the server is reachable
func GetRedisClient(ctxt context.Context, param RedisConnectParams) (*redis.Client, error) {
	logTags := log.Fields{"module": "core", "component": "redis-client", "instance": param.Addr}
	rdb := redis.NewClient(&redis.Options{
		Addr:     param.Addr,
		Password: param.Password,
		DB:       param.DB,
	})
	if err := rdb.Ping(ctxt).Err(); err != nil {
		_ = rdb.Close()
		log.WithError(err).WithFields(logTags).Error("Redis is not reachable")
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.WithFields(logTags).Info("Connected to Redis")
	return rdb, nil
}
