// Package cache Redis 上的会话索引与在线目录
package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"sudooom.im.presence/internal/config"
)

// NewClient 创建 Redis 客户端
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}
